package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "enrollctl",
		Short: "enrollctl runs and inspects the enrollment task-processing core",
		Long:  "A CLI for the fault-tolerant async enrollment core: serve the worker pool and HTTP API, or poke at a running instance.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the enrollctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("enrollctl dev")
			return nil
		},
	}
}
