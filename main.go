package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
)

func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "PPRelay realtime chat relay",
		// glog 要求先 Parse
		PersistentPreRun: func(*cobra.Command, []string) { _ = flag.CommandLine.Parse(nil) },
		SilenceUsage:     true,
	}
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(
		newServeCommand(),
		newClientCommand(),
		newTailCommand(),
		newTokenCommand(),
	)
	return cmd
}

func main() {
	if err := NewRelayCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
