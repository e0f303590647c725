package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "dossier",
	Short:   "Subject intelligence collection and gated analysis",
	Version: version,
	Long: `dossier collects intelligence about a market subject from external
sources, caches it with per-kind freshness windows, and runs analysis only
when the aggregate data quality clears the gate.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
