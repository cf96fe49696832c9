package simplevisor

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePhysicalMemoryRanges(t *testing.T) {
	const iomem = `00000000-00000fff : Reserved
00001000-0009fbff : System RAM
0009fc00-0009ffff : Reserved
000a0000-000fffff : PCI Bus 0000:00
00100000-7ffdbfff : System RAM
  01000000-01a00000 : Kernel code
  01a00001-01ffffff : Kernel data
7ffdc000-7fffffff : Reserved
fee00000-fee00fff : Local APIC
100000000-17fffffff : System RAM
`

	got, err := parsePhysicalMemoryRanges(strings.NewReader(iomem))
	if err != nil {
		t.Fatalf("parsePhysicalMemoryRanges: %v", err)
	}
	want := []MemoryRange{
		{Base: 0x1000, Length: 0x9EC00},
		{Base: 0x100000, Length: 0x7FEDC000},
		{Base: 0x100000000, Length: 0x80000000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePhysicalMemoryRangesEmpty(t *testing.T) {
	got, err := parsePhysicalMemoryRanges(strings.NewReader("fee00000-fee00fff : Local APIC\n"))
	if err != nil {
		t.Fatalf("parsePhysicalMemoryRanges: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d ranges, want 0", len(got))
	}
}

func TestParsePhysicalMemoryRangesMalformed(t *testing.T) {
	const iomem = `garbage line
00001000 : System RAM
zzzz-yyyy : System RAM
00002000-00002fff : System RAM
`
	got, err := parsePhysicalMemoryRanges(strings.NewReader(iomem))
	if err != nil {
		t.Fatalf("parsePhysicalMemoryRanges: %v", err)
	}
	want := []MemoryRange{{Base: 0x2000, Length: 0x1000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}
