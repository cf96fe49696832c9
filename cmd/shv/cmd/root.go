package cmd

import (
	"os"

	simplevisor "github.com/jtsylve/SimpleVisor"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shv",
	Short: "Thin VT-x memory monitor utilities",
	Long: `shv probes processor support for the SimpleVisor memory monitor and
exercises its lifecycle against the built-in processor emulator.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			os.Setenv("SHV_DEBUG", "1") // detailed error messages
			simplevisor.SetDebugLogging(true)
		}
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
