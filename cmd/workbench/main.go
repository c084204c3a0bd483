package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"workbench/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "workbench",
	Short: "Clinical data analysis workbench",
	Long: `Turns natural-language clinical data questions into Python analysis
scripts with a local LLM, runs them against a FHIR server and collects the
printed results and charts.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.LoadEnvFile(); err != nil {
			log.Printf("ℹ️ [ENV] %v, using process environment", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "workbench.yaml", "path to YAML or JSON config file")
	rootCmd.AddCommand(serveCmd, askCmd, checkFHIRCmd, probeFHIRCmd, cacheFHIRCmd, presetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
