package simplevisor

import "encoding/binary"

// SegmentDescriptor is a GDT entry decoded into the flat form the VMCS
// guest-state fields want: a full 64-bit base, a byte-granular limit, and
// the access rights in VMX layout.
type SegmentDescriptor struct {
	Selector     uint16
	Limit        uint32
	Base         uint64
	AccessRights uint32
}

// VMX access-rights unusable bit, set for null and not-present selectors.
const segmentUnusable uint32 = 1 << 16

// DecodeDescriptor reads the descriptor that selector names out of a raw
// descriptor table image. Selectors referencing the local descriptor table
// are rejected with ErrAlternateTable; a null selector decodes to an
// unusable segment rather than an error.
func DecodeDescriptor(table []byte, selector uint16) (SegmentDescriptor, error) {
	d := SegmentDescriptor{Selector: selector}

	if selector&selectorTableIndicator != 0 {
		return SegmentDescriptor{}, ErrAlternateTable
	}
	offset := int(selector &^ 7)
	if offset == 0 {
		d.Selector = 0
		d.AccessRights = segmentUnusable
		return d, nil
	}
	if offset+8 > len(table) {
		return SegmentDescriptor{}, &Error{Code: CodeInvalidArgument, message: "shv: selector exceeds descriptor table limit"}
	}

	raw := table[offset : offset+8]
	limitLow := uint32(binary.LittleEndian.Uint16(raw[0:2]))
	baseLow := uint64(binary.LittleEndian.Uint16(raw[2:4]))
	baseMid := uint64(raw[4])
	access := uint32(raw[5])
	gran := uint32(raw[6])
	baseHigh := uint64(raw[7])

	d.Base = baseLow | baseMid<<16 | baseHigh<<24

	// System descriptors (TSS, LDT) are 16 bytes in long mode; the upper
	// half of the base lives in the following slot.
	if access&0x10 == 0 {
		if offset+16 > len(table) {
			return SegmentDescriptor{}, &Error{Code: CodeInvalidArgument, message: "shv: system descriptor exceeds table limit"}
		}
		d.Base |= uint64(binary.LittleEndian.Uint32(table[offset+8:offset+12])) << 32
	}

	d.Limit = limitLow | (gran&0x0F)<<16
	if gran&0x80 != 0 {
		// Page-granular limit: scale to bytes.
		d.Limit = d.Limit<<12 | 0xFFF
	}

	// VMX wants the access byte in bits 7:0 and the granularity/flag
	// nibble in bits 15:12.
	d.AccessRights = access | (gran&0xF0)<<8
	if access&0x80 == 0 {
		d.AccessRights |= segmentUnusable
	}
	return d, nil
}
