package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := NewCLI().Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

// NewCLI builds the root command with every subcommand attached.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rbgfusion",
		Short: "Deformation-guided cross-modal image fusion",
		Long: "rbgfusion reconstructs a subject image with the help of a reference image\n" +
			"of another modality, steering cross-attention with a displacement field.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		SilenceErrors: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		newReconstructCmd(klogFlags),
		newBatchCmd(klogFlags),
		newInitConfigCmd(),
		newInitWeightsCmd(klogFlags),
	)
	return rootCmd
}
