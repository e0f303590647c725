package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/dossier/internal/config"
)

// --- collect ---

var collectCmd = &cobra.Command{
	Use:   "collect <subject>",
	Short: "Collect one phase of intelligence for a subject",
	Long: `Collect one phase of intelligence for a subject.

Examples:
  dossier collect BTC
  dossier collect BTC --phase enhanced`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, _ := cmd.Flags().GetString("phase")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"subject": args[0], "phase": phase}
		resp, err := client.post(cmd.Context(), "/v1/collect", body)
		if err != nil {
			return err
		}

		var report struct {
			Subject string `json:"subject"`
			Phase   string `json:"phase"`
			PerKind []struct {
				Kind      string `json:"kind"`
				Outcome   string `json:"outcome"`
				LatencyMs int64  `json:"latency_ms"`
				Error     string `json:"error"`
			} `json:"per_kind"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		for _, k := range report.PerKind {
			label := colorize(colorGreen, "ok")
			switch k.Outcome {
			case "timeout":
				label = colorize(colorYellow, "timeout")
			case "error":
				label = colorize(colorRed, "error")
			}
			line := fmt.Sprintf("%-10s %s (%dms)", k.Kind, label, k.LatencyMs)
			if k.Error != "" {
				line += "  " + k.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().String("phase", "critical", "phase to collect: critical or enhanced")
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <subject>",
	Short: "Show the aggregated context bundle for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/context/"+args[0])
		if err != nil {
			return err
		}

		var bundle any
		if err := decodeJSON(resp, &bundle); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle)
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <subject>",
	Short: "Collect all phases and run gated analysis",
	Long: `Collect all phases for a subject, then run analysis if the aggregate
data quality clears the gate. In inline provider mode the result is printed
directly; in background mode a job id is printed for polling.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/analyze", map[string]string{"subject": args[0]})
		if err != nil {
			return err
		}

		var result struct {
			InsufficientData bool     `json:"insufficient_data"`
			Quality          int      `json:"quality"`
			Missing          []string `json:"missing"`
			Job              *struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Result string `json:"result"`
				Error  string `json:"error"`
			} `json:"job"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.InsufficientData {
			printWarning("Insufficient data: quality %d, missing [%s]",
				result.Quality, strings.Join(result.Missing, ", "))
			return nil
		}

		printStatus("Quality", "%d", result.Quality)
		switch result.Job.Status {
		case "completed":
			fmt.Println(result.Job.Result)
		case "failed":
			printError("Analysis failed: %s", result.Job.Error)
		default:
			printStatus("Job", "%s (%s)", result.Job.ID, result.Job.Status)
			fmt.Fprintf(os.Stderr, "  poll with: dossier jobs poll %s\n", result.Job.ID)
		}
		return nil
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Poll or cancel analysis jobs",
}

var jobsPollCmd = &cobra.Command{
	Use:   "poll <id>",
	Short: "Read the current state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetString("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/jobs/" + args[0]
		if wait != "" {
			path += "?wait=" + wait
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var job struct {
			ID       string `json:"id"`
			Subject  string `json:"subject"`
			Status   string `json:"status"`
			Progress string `json:"progress"`
			Result   string `json:"result"`
			Error    string `json:"error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s (%s)", job.ID, job.Subject)
		printStatus("Status", "%s", job.Status)
		if job.Progress != "" {
			printStatus("Progress", "%s", job.Progress)
		}
		if job.Error != "" {
			printError("%s", job.Error)
		}
		if job.Result != "" {
			fmt.Println(job.Result)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Job %s is now %s", job.ID, job.Status)
		return nil
	},
}

func init() {
	jobsPollCmd.Flags().String("wait", "", "block up to this duration for a terminal state, e.g. 30s")
	jobsCmd.AddCommand(jobsPollCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
