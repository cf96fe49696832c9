package cmd

import (
	"fmt"
	"runtime"

	simplevisor "github.com/jtsylve/SimpleVisor"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check VT-x and EPT support on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := simplevisor.Supported()
		if err != nil {
			fmt.Printf("vmx support: error: %v\n", err)
		} else {
			fmt.Printf("vmx support: %v\n", ok)
		}

		hw, err := simplevisor.NewHostHardware()
		if err != nil {
			fmt.Printf("host hardware: unavailable on %s/%s: %v\n",
				runtime.GOOS, runtime.GOARCH, err)
			return nil
		}
		fmt.Printf("processors: %d\n", hw.ProcessorCount())

		// The full probes execute RDMSR and need CPL 0; from user space
		// the msr driver stands in.
		control, err := simplevisor.ReadMSRDevice(0, simplevisor.MSRFeatureControl)
		if err != nil {
			fmt.Printf("feature control: unreadable (%v); is the msr driver loaded?\n", err)
			return nil
		}
		fmt.Printf("feature control: %#x (locked=%v, vmxon outside smx=%v)\n",
			control, control&0x1 != 0, control&0x4 != 0)

		if ctls2, err := simplevisor.ReadMSRDevice(0, simplevisor.MSRVMXProcBased2); err == nil {
			fmt.Printf("ept capability: %v\n", ctls2>>32&0x2 != 0)
		}
		return nil
	},
}
