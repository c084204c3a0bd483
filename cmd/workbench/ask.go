package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"workbench/internal/api"
	"workbench/internal/workflow"
)

var askCmd = &cobra.Command{
	Use:   "ask [task]",
	Short: "Run one analysis and print its output",
	Long: `Runs a single analysis. Pass a free-form task as the argument, or pick a
preset with --preset (gap analysis), a patient with --patient (case summary)
or a question with --question (custom cohort query).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	f := askCmd.Flags()
	f.String("preset", "", "care-gap preset condition name")
	f.String("patient", "", "patient name or id for a case summary")
	f.String("question", "", "custom cohort question")
	f.String("endpoint", "", "FHIR endpoint (defaults to the configured one)")
	f.String("backend", "", "LLM base URL (defaults to the configured one)")
	f.String("model", "", "model name (defaults to the configured one)")
	f.String("save-script", "", "write the generated script to this file")
	f.String("save-output", "", "write the script output to this file")
	f.Bool("no-record", false, "do not store the run in Redis")
}

// askRequest maps the flag combination onto an API analysis body.
func askRequest(cmd *cobra.Command, args []string) api.AnalysisRequest {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	req := api.AnalysisRequest{
		Endpoint:   get("endpoint"),
		BackendURL: get("backend"),
		Model:      get("model"),
	}
	switch {
	case get("preset") != "":
		req.Kind, req.Preset = "gap_analysis", get("preset")
	case get("question") != "":
		req.Kind, req.Question = "custom_query", get("question")
	case get("patient") != "":
		req.Kind, req.Patient = "case_summary", get("patient")
	case len(args) == 1:
		req.Kind, req.Task = "task", args[0]
	}
	return req
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	noRecord, _ := cmd.Flags().GetBool("no-record")
	a, err := newApp(ctx, "cli", !noRecord)
	if err != nil {
		return err
	}
	defer a.Close()

	body := askRequest(cmd, args)
	if body.Kind == "" {
		return fmt.Errorf("nothing to ask: give a task, --preset, --patient or --question")
	}
	req, err := body.BuildRequest(a.cfg.FHIREndpointURL())
	if err != nil {
		return err
	}

	out, runErr := a.orchestrator.Execute(ctx, req)
	printOutcome(cmd, out)

	if path, _ := cmd.Flags().GetString("save-script"); path != "" && out.Script != nil {
		if err := os.WriteFile(path, []byte(out.Script.Source+"\n"), 0o644); err != nil {
			return fmt.Errorf("save script: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Script saved to %s\n", path)
	}
	if path, _ := cmd.Flags().GetString("save-output"); path != "" && out.Execution != nil {
		if err := os.WriteFile(path, []byte(out.Execution.Stdout), 0o644); err != nil {
			return fmt.Errorf("save output: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Output saved to %s\n", path)
	}

	if a.recorder != nil {
		// Charts stay on disk so the printed paths remain valid
		a.recorder.KeepWorkDirs = true
		if err := a.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: run not recorded: %v\n", err)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s recorded\n", out.ID)
		}
	}
	return runErr
}

func printOutcome(cmd *cobra.Command, out *workflow.Outcome) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:    %s\nStatus: %s\n", out.ID, out.Status)
	if out.Response != nil {
		fmt.Fprintf(w, "LLM:    %s via %s in %.1fs\n", out.Request.Model, out.Response.Protocol, out.BackendElapsed.Seconds())
	}
	if out.Execution != nil {
		fmt.Fprintf(w, "Exec:   %.1fs (exit %d)\n", out.ExecutionElapsed.Seconds(), out.Execution.ExitCode)
		if out.Execution.Stdout != "" {
			fmt.Fprintf(w, "\n%s\n", out.Execution.Stdout)
		}
		for _, chart := range out.Execution.Artifacts {
			fmt.Fprintf(w, "Chart:  %s\n", chart)
		}
	}
	if out.Status == workflow.StatusNoCodeFound && out.Response != nil {
		fmt.Fprintf(w, "\nNo code block in the reply:\n%s\n", out.Response.RawText)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "Error:  %s\n", out.Error)
	}
}
