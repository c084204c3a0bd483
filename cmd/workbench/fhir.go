package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"workbench/internal/fhir"
)

var checkFHIRCmd = &cobra.Command{
	Use:   "check-fhir [url]",
	Short: "Check that a FHIR server answers /metadata",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := fhirClient(args)
		if err != nil {
			return err
		}
		status := client.CheckConnection(cmd.Context())
		mark := "✅"
		if !status.OK {
			mark = "❌"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%v)\n", mark, status.URL, status.Message, status.Latency)
		if !status.OK {
			return fmt.Errorf("FHIR server %s is not reachable", status.URL)
		}
		return nil
	},
}

var probeFHIRCmd = &cobra.Command{
	Use:   "probe-fhir [url]",
	Short: "Count resources available for the first patient",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := fhirClient(args)
		if err != nil {
			return err
		}
		report, err := client.Probe(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var cacheFHIRCmd = &cobra.Command{
	Use:   "cache-fhir [url]",
	Short: "Download FHIR bundles to local JSON files for offline demos",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := fhirClient(args)
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.FHIR.CacheDir
		}
		report, err := fhir.NewCache(client, dir).Prefetch(cmd.Context())
		if err != nil {
			return err
		}
		for _, f := range report.Files {
			fmt.Fprintf(cmd.OutOrStdout(), "%-50s %d entries\n", f.Path, f.Entries)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Demo patient: %s (%s)\n", report.Patient.Display, report.Patient.ID)
		return nil
	},
}

func init() {
	cacheFHIRCmd.Flags().String("dir", "", "output directory (defaults to fhir.cache_dir)")
}

func fhirClient(args []string) (*fhir.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	url := cfg.FHIREndpointURL()
	if len(args) == 1 {
		url = args[0]
	}
	return fhir.NewClient(url, cfg.FHIRCheckTimeout()), nil
}
