package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/orchestrator"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overseer",
		Short: "Safety kernel for autonomous LLM agents",
		Long: "Overseer runs agent tasks step by step behind a permission firewall,\n" +
			"a filesystem sandbox and a human approval gate, and records every decision in a hash-chained audit log.",
		SilenceUsage: true,
	}

	var configFile string
	var serverAddr string
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: overseer.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Management API address (default: server.addr from config)")

	// ─── run / resume ───
	runCmd := &cobra.Command{
		Use:   "run <goal> [goal...]",
		Short: "Create one task per goal and run them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd.Context(), configFile, serverAddr, args, nil)
		},
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <task-id> [task-id...]",
		Short: "Resume paused, failed or newly created tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd.Context(), configFile, serverAddr, nil, args)
		},
	}

	// ─── inspection ───
	var statusFilter string
	var taskLimit, auditLimit int
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configFile, func(ctx context.Context, st *store.SQLiteStore) error {
				tasks, err := st.ListTasks(ctx, store.TaskFilter{Status: store.TaskStatus(statusFilter), Limit: taskLimit})
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Steps", "Goal", "Reason", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, t.StepCount, truncate(t.Goal, 50), truncate(t.PauseReason, 40), t.UpdatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tasksCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status")
	tasksCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum rows")

	stepsCmd := &cobra.Command{
		Use:   "steps <task-id>",
		Short: "Show the steps of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configFile, func(ctx context.Context, st *store.SQLiteStore) error {
				task, err := st.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := st.ListSteps(ctx, task.ID)
				if err != nil {
					return err
				}
				fmt.Printf("  %s  [%s]  %s\n", task.ID, task.Status, task.Goal)
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Status", "Title", "Tools", "Human", "Error"})
				for _, s := range steps {
					tools := make([]string, 0, len(s.ToolCalls))
					for _, c := range s.ToolCalls {
						tools = append(tools, c.Tool)
					}
					tw.AppendRow(table.Row{s.Sequence, s.Status, truncate(s.Title, 40), strings.Join(tools, ","), s.HumanDecision, truncate(s.Error, 40)})
				}
				tw.Render()
				return nil
			})
		},
	}

	var auditTask, auditType string
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configFile, func(ctx context.Context, st *store.SQLiteStore) error {
				events, err := st.ListAuditEvents(ctx, store.AuditFilter{TaskID: auditTask, Type: auditType, Limit: auditLimit})
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Task", "Component", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Seq, ev.Timestamp.Local().Format(time.DateTime), ev.Type, ev.TaskID, ev.Component, truncate(formatArgs(ev.Payload), 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	auditCmd.Flags().StringVar(&auditTask, "task", "", "Filter by task ID")
	auditCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum rows")

	auditVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configFile, func(ctx context.Context, st *store.SQLiteStore) error {
				ok, brokenAt, err := st.VerifyAuditChain(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("audit chain broken at event index %d", brokenAt)
				}
				fmt.Println("  audit chain intact")
				return nil
			})
		},
	}
	auditCmd.AddCommand(auditVerifyCmd)

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect tool permissions",
	}
	policyShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show admin and user permission levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyShow(cmd.Context(), configFile)
		},
	}
	policyCmd.AddCommand(policyShowCmd)

	// ─── live control ───
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List human requests awaiting an answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Pending []humangate.Request `json:"pending"`
			}
			if err := client(configFile, serverAddr).do(http.MethodGet, "/api/human/pending", nil, &out); err != nil {
				return err
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Request", "Task", "Step", "Reason", "Waiting"})
			for _, r := range out.Pending {
				tw.AppendRow(table.Row{r.ID, r.TaskID, r.Step, truncate(r.Reason, 60), time.Since(r.CreatedAt).Round(time.Second)})
			}
			tw.Render()
			return nil
		},
	}

	respondCmd := &cobra.Command{
		Use:   "respond <request-id> <text...>",
		Short: "Answer a pending human request (approve, reject, stop, or free text)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp humangate.Response
			body := map[string]string{"response": strings.Join(args[1:], " ")}
			if err := client(configFile, serverAddr).do(http.MethodPost, "/api/human/"+url.PathEscape(args[0])+"/respond", body, &resp); err != nil {
				return err
			}
			fmt.Printf("  request %s resolved as %s\n", resp.RequestID, resp.Intent.Kind)
			return nil
		},
	}

	var pauseAll, pauseClear bool
	var pauseReason string
	pauseCmd := &cobra.Command{
		Use:   "pause [task-id]",
		Short: "Pause a running task at its next step boundary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client(configFile, serverAddr)
			body := map[string]string{"reason": pauseReason}
			switch {
			case pauseClear:
				if err := c.do(http.MethodDelete, "/api/pause", nil, nil); err != nil {
					return err
				}
				fmt.Println("  pause requests cleared")
			case pauseAll:
				if err := c.do(http.MethodPost, "/api/pause", body, nil); err != nil {
					return err
				}
				fmt.Println("  pause requested for all tasks")
			case len(args) == 1:
				if err := c.do(http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/pause", body, nil); err != nil {
					return err
				}
				fmt.Printf("  pause requested for task %s\n", args[0])
			default:
				return fmt.Errorf("specify a task ID, --all or --clear")
			}
			return nil
		},
	}
	pauseCmd.Flags().BoolVar(&pauseAll, "all", false, "Pause every running task")
	pauseCmd.Flags().BoolVar(&pauseClear, "clear", false, "Clear all pause requests")
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "Reason recorded with the pause")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("overseer %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(runCmd, resumeCmd, tasksCmd, stepsCmd, auditCmd, policyCmd, pendingCmd, respondCmd, pauseCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// runTasks creates a task per goal, appends the given existing task IDs,
// and runs them all with the management API up. An interrupt pauses every
// task at its next boundary.
func runTasks(ctx context.Context, configFile, addr string, goals, ids []string) error {
	k, err := openKernel(ctx, configFile, addr)
	if err != nil {
		return err
	}
	defer k.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.start(runCtx)
	k.watchHuman(runCtx)

	for _, g := range goals {
		task, err := k.runner.Create(ctx, g)
		if err != nil {
			return err
		}
		fmt.Printf("  created task %s: %s\n", task.ID, truncate(g, 60))
		ids = append(ids, task.ID)
	}

	outcomes, runErr := k.manager.RunAll(ctx, ids)
	printOutcomes(outcomes)
	return runErr
}

func printOutcomes(outcomes []orchestrator.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Task", "Status", "Steps", "Reason", "Fault"})
	for _, o := range outcomes {
		tw.AppendRow(table.Row{o.TaskID, o.Status, o.Steps, truncate(o.Reason, 60), o.Fault})
	}
	tw.Render()
}

func runPolicyShow(ctx context.Context, configFile string) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := loader.Get()
	logger := newLogger("error")
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	pol, err := policy.NewStore(cfg.Permissions, cfg.Policy, nil, logger)
	if err != nil {
		return err
	}
	if err := restorePolicy(ctx, pol, st, logger); err != nil {
		return err
	}
	snap := pol.Snapshot()

	names := make(map[string]bool)
	for t := range snap.Admin {
		names[t] = true
	}
	for t := range snap.User {
		names[t] = true
	}
	sorted := make([]string, 0, len(names))
	for t := range names {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	fmt.Printf("  default level: %s\n", snap.Default)
	tw := newTable()
	tw.AppendHeader(table.Row{"Tool", "Admin", "User", "Effective"})
	for _, t := range sorted {
		admin, user := "-", "-"
		if lvl, ok := snap.Admin[t]; ok {
			admin = lvl.String()
		}
		if lvl, ok := snap.User[t]; ok {
			user = lvl.String()
		}
		tw.AppendRow(table.Row{t, admin, user, pol.Effective(t)})
	}
	tw.Render()

	if len(snap.Audit) > 0 {
		at := newTable()
		at.AppendHeader(table.Row{"Seq", "Kind", "Tool", "Before", "After", "Reason", "Time"})
		for _, e := range snap.Audit {
			at.AppendRow(table.Row{e.Seq, e.Kind, e.Tool, e.Before, e.After, truncate(e.Reason, 50), e.Timestamp.Local().Format(time.DateTime)})
		}
		at.Render()
	}
	return nil
}

// withStore opens the configured store for a read-only command.
func withStore(ctx context.Context, configFile string, fn func(ctx context.Context, st *store.SQLiteStore) error) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	st, err := openStore(loader.Get(), slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}

// client resolves the management API address from the flag or config.
func client(configFile, addr string) *apiClient {
	if addr == "" {
		addr = config.DefaultConfig().Server.Addr
		if loader, err := loadConfig(configFile); err == nil {
			addr = loader.Get().Server.Addr
		}
	}
	return newAPIClient(addr)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatArgs(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
