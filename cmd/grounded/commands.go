package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/automation"
	"github.com/kalambet/grounded/internal/config"
	"github.com/kalambet/grounded/internal/gateway"
	"github.com/kalambet/grounded/internal/ollama"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/rundiff"
	"github.com/kalambet/grounded/internal/storage"
)

// runOutput mirrors the server's run response.
type runOutput struct {
	Run               storage.AgentRun       `json:"run"`
	Artifact          *storage.Artifact      `json:"artifact"`
	Links             []storage.EvidenceLink `json:"evidence_links"`
	CitationsDetected bool                   `json:"citations_detected"`
	Error             string                 `json:"error"`
}

type runDetailOutput struct {
	Run       storage.AgentRun       `json:"run"`
	ToolCalls []storage.ToolCall     `json:"tool_calls"`
	Artifact  *storage.Artifact      `json:"artifact"`
	Links     []storage.EvidenceLink `json:"evidence_links"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run a grounded query and print the cited answer",
	Long: `Run a grounded query and print the cited answer.

Examples:
  grounded ask "How did Acme revenue change last year?"
  grounded ask --company acme --doc D1,D2 "Summarize the annual report"
  grounded ask --async "Weekly competitor digest"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := agentrun.Request{Query: strings.Join(args, " ")}
		req.WorkspaceID, _ = cmd.Flags().GetString("workspace")
		req.AgentID, _ = cmd.Flags().GetString("agent")
		req.CompanyID, _ = cmd.Flags().GetString("company")
		req.DocumentIDs = splitList(mustString(cmd, "doc"))
		req.Style.PreferBulletedAnswer, _ = cmd.Flags().GetBool("bullets")
		req.Style.IncludeGapsSection, _ = cmd.Flags().GetBool("gaps")
		async, _ := cmd.Flags().GetBool("async")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, os.Stdout, req, async)
	},
}

func init() {
	askCmd.Flags().String("workspace", "", "workspace ID (default from config)")
	askCmd.Flags().String("agent", "", "agent ID whose model settings to use")
	askCmd.Flags().String("company", "", "restrict evidence to one company")
	askCmd.Flags().String("doc", "", "comma-separated document IDs to restrict evidence to")
	askCmd.Flags().Bool("bullets", false, "prefer a bulleted answer")
	askCmd.Flags().Bool("gaps", false, "ask for a section listing what the evidence does not cover")
	askCmd.Flags().Bool("async", false, "queue the run and return immediately")
}

func ask(ctx context.Context, c *apiClient, w io.Writer, req agentrun.Request, async bool) error {
	body := struct {
		agentrun.Request
		Async bool `json:"async"`
	}{req, async}

	resp, err := c.post(ctx, "/runs", body)
	if err != nil {
		return err
	}
	if async {
		var queued map[string]string
		if err := decodeJSON(resp, &queued); err != nil {
			return err
		}
		printSuccess("Queued run %s (job %s)", queued["run_id"], queued["job_id"])
		return nil
	}

	var out runOutput
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	return printRun(w, out)
}

func printRun(w io.Writer, out runOutput) error {
	if out.Run.Status == storage.RunStatusFailed {
		printError("run %s failed: %s", out.Run.ID, out.Error)
		return fmt.Errorf("run %s failed", out.Run.ID)
	}
	if out.Artifact != nil {
		fmt.Fprintln(w, out.Artifact.Content)
	}
	fmt.Fprintln(w)
	printStatus("Run", "%s", out.Run.ID)
	printStatus("Model", "%s/%s", out.Run.ModelProvider, out.Run.ModelName)
	if out.CitationsDetected {
		printStatus("Evidence", "%d links", len(out.Links))
	} else {
		printWarning("answer cites no evidence")
	}
	return nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the evidence a run would see for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return search(cmd.Context(), client, os.Stdout, map[string]any{
			"workspace_id":   workspace,
			"company_id":     company,
			"query":          strings.Join(args, " "),
			"limit_per_type": limit,
		})
	},
}

func init() {
	searchCmd.Flags().String("workspace", "", "workspace ID (default from config)")
	searchCmd.Flags().String("company", "", "restrict evidence to one company")
	searchCmd.Flags().Int("limit", 0, "maximum items per evidence type")
}

func search(ctx context.Context, c *apiClient, w io.Writer, body map[string]any) error {
	resp, err := c.post(ctx, "/search", body)
	if err != nil {
		return err
	}
	var pack retrieval.Pack
	if err := decodeJSON(resp, &pack); err != nil {
		return err
	}
	if len(pack.Items) == 0 {
		fmt.Fprintln(w, "No matching evidence.")
		return nil
	}
	for _, it := range pack.Items {
		fmt.Fprintf(w, "%s %s\n  %s\n", colorize(colorBold, it.Label), it.Title, truncate(it.Text, 200))
	}
	if pack.Log.Truncated {
		printWarning("evidence truncated at %d characters", pack.Log.UsedChars)
	}
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List and inspect runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRuns(cmd.Context(), client, os.Stdout, workspace, limit)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run with its steps and evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showRun(cmd.Context(), client, os.Stdout, args[0], asJSON)
	},
}

var runsRerunCmd = &cobra.Command{
	Use:   "rerun <id>",
	Short: "Repeat a run's query and scope as a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/rerun", nil)
		if err != nil {
			return err
		}
		var out runOutput
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		return printRun(os.Stdout, out)
	},
}

func init() {
	runsListCmd.Flags().String("workspace", "", "workspace ID (default from config)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsShowCmd.Flags().Bool("json", false, "print the raw run record")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsRerunCmd)
}

func listRuns(ctx context.Context, c *apiClient, w io.Writer, workspace string, limit int) error {
	q := url.Values{}
	if workspace != "" {
		q.Set("workspace_id", workspace)
	}
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "/runs?"+q.Encode())
	if err != nil {
		return err
	}
	var runs []storage.AgentRun
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tTRIGGER\tQUERY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Trigger, truncate(r.Query, 60))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, c *apiClient, w io.Writer, id string, asJSON bool) error {
	resp, err := c.get(ctx, "/runs/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var d runDetailOutput
	if err := decodeJSON(resp, &d); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, d)
	}

	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Query:"), d.Run.Query)
	fmt.Fprintf(w, "%s %s (%s)\n", colorize(colorBold, "Status:"), d.Run.Status, d.Run.Trigger)
	if d.Run.ParentRunID != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Parent:"), d.Run.ParentRunID)
	}
	if d.Run.Error != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorRed, "Error:"), d.Run.Error)
	}
	for _, tc := range d.ToolCalls {
		fmt.Fprintf(w, "  %d. %s [%s]\n", tc.Seq, tc.Name, tc.Status)
	}
	if d.Artifact != nil {
		fmt.Fprintf(w, "\n%s\n", d.Artifact.Content)
	}
	for _, l := range d.Links {
		target := l.DocumentID
		if l.SnippetID != "" {
			target = "snippet " + l.SnippetID
		}
		fmt.Fprintf(w, "  - %s %s %s\n", l.SourceType, target, l.Locator)
	}
	return nil
}

// --- diff ---

var diffCmd = &cobra.Command{
	Use:   "diff <original-run> <rerun>",
	Short: "Compare the answers and evidence of two runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return diffRuns(cmd.Context(), client, os.Stdout, args[0], args[1])
	},
}

type diffOutput struct {
	Lines []struct {
		Op   string `json:"op"`
		Text string `json:"text"`
	} `json:"lines"`
	Original rundiff.EvidenceSummary `json:"original"`
	Rerun    rundiff.EvidenceSummary `json:"rerun"`
}

func diffRuns(ctx context.Context, c *apiClient, w io.Writer, a, b string) error {
	resp, err := c.get(ctx, "/runs/"+url.PathEscape(a)+"/diff/"+url.PathEscape(b))
	if err != nil {
		return err
	}
	var d diffOutput
	if err := decodeJSON(resp, &d); err != nil {
		return err
	}
	for _, l := range d.Lines {
		prefix := "  "
		switch l.Op {
		case "removed":
			prefix = "- "
		case "added":
			prefix = "+ "
		}
		fmt.Fprintln(w, diffColor(prefix+l.Text))
	}
	fmt.Fprintf(w, "\nevidence: %d links / %d documents / %d snippets -> %d links / %d documents / %d snippets\n",
		d.Original.LinkCount, d.Original.UniqueDocumentCount, d.Original.SnippetCount,
		d.Rerun.LinkCount, d.Rerun.UniqueDocumentCount, d.Rerun.SnippetCount)
	return nil
}

// --- artifact ---

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Edit run artifacts",
}

var artifactEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Replace an artifact's content (allowed once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		var data []byte
		var err error
		if file == "" || file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/artifacts/"+url.PathEscape(args[0]), map[string]string{"content": string(data)})
		if err != nil {
			return err
		}
		var art storage.Artifact
		if err := decodeJSON(resp, &art); err != nil {
			return err
		}
		printSuccess("Updated artifact %s", art.ID)
		return nil
	},
}

func init() {
	artifactEditCmd.Flags().String("file", "-", "file with the new content (- for stdin)")
	artifactCmd.AddCommand(artifactEditCmd)
}

// --- automations ---

var automationsCmd = &cobra.Command{
	Use:   "automations",
	Short: "Manage scheduled automations",
}

var automationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automations",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listAutomations(cmd.Context(), client, os.Stdout, workspace)
	},
}

var automationsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or replace automations from a YAML definitions file",
	Long: `Create or replace automations from a YAML definitions file.

Example file:
  automations:
    - id: weekly-digest
      workspace_id: default
      name: Weekly digest
      schedule: interval
      interval_minutes: 10080
      payload:
        type: agent_query
        query: What changed this week?`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
		return importAutomations(cmd.Context(), store, args[0])
	},
}

var automationsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutomationEnabled(cmd.Context(), args[0], true)
	},
}

var automationsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutomationEnabled(cmd.Context(), args[0], false)
	},
}

var automationsRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one scheduler pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/automations/run-once", nil)
		if err != nil {
			return err
		}
		var sum automation.PassSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		printSuccess("Evaluated %d, seeded %d, executed %d (%d succeeded, %d failed)",
			sum.Evaluated, sum.Seeded, sum.Executed, sum.Succeeded, sum.Failed)
		return nil
	},
}

var automationsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent executions of an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/automations/%s/runs?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var runs []storage.AutomationRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSTATUS\tRUN\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.StartedAt.Local().Format(time.DateTime), r.Status, r.CreatedRunID, truncate(r.Error, 60))
		}
		return tw.Flush()
	},
}

func init() {
	automationsListCmd.Flags().String("workspace", "", "workspace ID (default from config)")
	automationsHistoryCmd.Flags().Int("limit", 20, "maximum number of executions")
	automationsCmd.AddCommand(automationsListCmd, automationsImportCmd, automationsEnableCmd,
		automationsDisableCmd, automationsRunOnceCmd, automationsHistoryCmd)
}

func listAutomations(ctx context.Context, c *apiClient, w io.Writer, workspace string) error {
	path := "/automations"
	if workspace != "" {
		path += "?workspace_id=" + url.QueryEscape(workspace)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var list []storage.Automation
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No automations.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN")
	for _, a := range list {
		next := "-"
		if a.NextRunAt != nil {
			next = a.NextRunAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", a.ID, a.Name, a.IsEnabled, scheduleLabel(a), next)
	}
	return tw.Flush()
}

func scheduleLabel(a storage.Automation) string {
	switch a.ScheduleType {
	case storage.ScheduleInterval:
		return fmt.Sprintf("every %dm", a.IntervalMinutes)
	case storage.ScheduleDaily:
		return "daily at " + a.DailyTime + " UTC"
	default:
		return a.ScheduleType
	}
}

func importAutomations(ctx context.Context, s automation.Saver, path string) error {
	defs, err := automation.LoadDefinitions(path)
	if err != nil {
		return err
	}
	if err := automation.Import(ctx, s, defs); err != nil {
		return err
	}
	for _, d := range defs {
		printStep("%s (%s)", d.Name, d.ID)
	}
	printSuccess("Imported %d automations", len(defs))
	return nil
}

func setAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.patch(ctx, "/automations/"+url.PathEscape(id), map[string]bool{"enabled": enabled})
	if err != nil {
		return err
	}
	var a storage.Automation
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}
	printSuccess("%s is now %s", a.Name, enabledLabel(a.IsEnabled))
	return nil
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
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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
	Short: "Remove a configuration value so its default applies",
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
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models each configured provider offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		registry := newRegistry(cfg, ollama.New(cfg.Ollama.BaseURL))
		return listModels(cmd.Context(), registry, os.Stdout, cfg.LLM)
	},
}

type modelLister interface {
	ListModels(ctx context.Context) []gateway.ProviderModels
}

func listModels(ctx context.Context, l modelLister, w io.Writer, current config.LLMConfig) error {
	for _, pm := range l.ListModels(ctx) {
		fmt.Fprintln(w, colorize(colorBold, pm.Provider))
		switch {
		case pm.Err != nil:
			fmt.Fprintf(w, "  unavailable: %v\n", pm.Err)
		case len(pm.Models) == 0:
			fmt.Fprintln(w, "  no models")
		}
		for _, m := range pm.Models {
			marker := " "
			if pm.Provider == current.Provider && (m == current.Model || strings.HasPrefix(m, current.Model+":")) {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s\n", marker, m)
		}
	}
	return nil
}

// --- helpers ---

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
