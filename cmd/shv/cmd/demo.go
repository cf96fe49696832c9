package cmd

import (
	"encoding/json"
	"fmt"

	simplevisor "github.com/jtsylve/SimpleVisor"
	"github.com/spf13/cobra"
)

var (
	demoCPUs int
	demoCr3  uint64
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntVarP(&demoCPUs, "cpus", "c", 4, "Number of emulated processors")
	demoCmd.Flags().Uint64Var(&demoCr3, "cr3", 0x1AB000, "System page-table root handed to the monitor")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a full monitor lifecycle against the processor emulator",
	Long: `demo installs the monitor on an emulated machine, drives a few VM exits
through it (CPUID interception and an EPT fault), tears it down again, and
prints the collected metrics as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		simplevisor.ResetMetrics()

		emu := simplevisor.NewEmulator(demoCPUs)
		mon, err := simplevisor.New(emu, simplevisor.NewRuntimeAllocator())
		if err != nil {
			return fmt.Errorf("create monitor: %w", err)
		}
		defer mon.Close()

		if err := mon.Install(demoCr3); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		fmt.Printf("installed on %d emulated processors\n", demoCPUs)

		unbind, err := emu.BindProcessor(0)
		if err != nil {
			return fmt.Errorf("bind processor 0: %w", err)
		}
		r := emu.CPUID(1, 0)
		fmt.Printf("guest CPUID.1 ECX = %#x (hypervisor bit set: %v)\n",
			r.ECX, r.ECX&(1<<31) != 0)
		emu.TouchMemory(0xFED0_0000) // faults, maps, and resumes
		unbind()

		if err := mon.Uninstall(); err != nil {
			return fmt.Errorf("uninstall: %w", err)
		}

		out, err := json.MarshalIndent(simplevisor.GetMetrics(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
