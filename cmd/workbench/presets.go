package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"workbench/internal/prompt"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the care-gap presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONDITION\tSNOMED\tLAB\tTHRESHOLD\tGAP MEDS")
		for _, name := range prompt.PresetNames() {
			p, _ := prompt.LookupPreset(name)
			fmt.Fprintf(tw, "%s\t%s\t%s (%s)\t%s\t%s\n", p.Condition, p.SNOMED, p.Lab, p.LOINC, p.Threshold, p.GapMeds)
		}
		return tw.Flush()
	},
}
