package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/bulk"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/notify"
	"stageline/internal/remote"
	"stageline/internal/repo"
	"stageline/internal/resilience"
	"stageline/internal/rollout"
	"stageline/internal/server"
	"stageline/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline coordinates staged software rollouts.
- Workspace: your .stageline directory holding the database; the rollout plan
  lives in stageline.yml and is imported explicitly.
- Deployment: one rollout with an ordered list of phases (pilot first).
- Phases: go pending -> in_progress -> completed/failed; a phase cannot start
  before every earlier phase completed, and completion is gated on success
  criteria unless forced.
- Onboarding: each assigned user walks the step checklist; required steps
  complete in order, optional steps may be skipped.
- Sync: bulk operations against the remote endpoint, rate limited and guarded
  by a circuit breaker; partial failure is reported per target.
- Reports: weekly summaries generated on demand, view with 'sl report show'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("deployment", "", "deployment id (defaults to the plan's deployment)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("deployment", rootCmd.PersistentFlags().Lookup("deployment"))
}

func registerCommands() {
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(deploymentCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage the rollout plan"}
	plan.AddCommand(planImportCmd())
	plan.AddCommand(planShowCmd())
	return plan
}

func planImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rollout plan from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *rollout.Engine) error {
				d, err := e.ImportPlan(ctx, cfg)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML plan")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the imported plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func deploymentCmd() *cobra.Command {
	dep := &cobra.Command{Use: "deployment", Short: "Manage deployments"}
	dep.AddCommand(deploymentListCmd())
	dep.AddCommand(deploymentShowCmd())
	return dep
}

func deploymentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeployments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Current phase"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Status, d.CurrentPhase})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func deploymentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := resolveDeployment(ctx, r)
				if err != nil {
					return err
				}
				d, err := r.GetDeployment(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{
		Use:   "phase",
		Short: "Manage rollout phases",
		Long:  "Phases roll out in plan order: a phase starts only after every earlier phase completed, and completes only when its success criteria hold (or --force).",
	}
	phase.AddCommand(phaseListCmd())
	phase.AddCommand(phaseStartCmd())
	phase.AddCommand(phaseCompleteCmd())
	phase.AddCommand(phaseFailCmd())
	phase.AddCommand(phaseEvaluateCmd())
	phase.AddCommand(phaseAssignCmd())
	return phase
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases in rollout order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := resolveDeployment(ctx, r)
				if err != nil {
					return err
				}
				phases, err := r.ListPhases(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Name", "Status", "Completion", "Errors", "Targets"})
				for _, p := range phases {
					tw.AppendRow(table.Row{
						p.Position,
						p.ID,
						p.Name,
						p.Status,
						fmt.Sprintf("%d%%", p.Metrics.CompletionRate),
						fmt.Sprintf("%d%%", p.Metrics.ErrorRate),
						fmt.Sprintf("%d/%d", len(p.CompletedUsers), len(p.TargetUsers)),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <phase-id>",
		Short: "Start a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.StartPhase(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "complete <phase-id>",
		Short: "Complete a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.CompletePhase(ctx, id, args[0], force)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "complete even when success criteria fail")
	return cmd
}

func phaseFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <phase-id>",
		Short: "Mark a phase failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.FailPhase(ctx, id, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func phaseEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <phase-id>",
		Short: "Evaluate phase success criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				res, err := e.EvaluatePhase(ctx, id, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Passed {
					fmt.Println("criteria: passed")
					return nil
				}
				fmt.Println("criteria: failing")
				for _, f := range res.Failing {
					fmt.Printf("  %s\n", f)
				}
				return nil
			})
		},
	}
	return cmd
}

func phaseAssignCmd() *cobra.Command {
	var userIDs []string
	cmd := &cobra.Command{
		Use:   "assign <phase-id>",
		Short: "Assign users to a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(userIDs) == 0 {
				return fmt.Errorf("--user required")
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				users := make([]domain.User, 0, len(userIDs))
				for _, uid := range userIDs {
					users = append(users, domain.User{ID: uid, Name: uid})
				}
				if err := e.AssignUsers(ctx, id, args[0], users); err != nil {
					return err
				}
				p, err := e.Repo.GetPhase(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&userIDs, "user", []string{}, "user id (repeatable)")
	return cmd
}

func onboardCmd() *cobra.Command {
	onboard := &cobra.Command{
		Use:   "onboard",
		Short: "Manage user onboarding",
		Long:  "Onboarding walks a user through the plan's step checklist. Required steps complete in order; optional steps may be skipped.",
	}
	onboard.AddCommand(onboardStartCmd())
	onboard.AddCommand(onboardStatusCmd())
	onboard.AddCommand(onboardStepCmd())
	onboard.AddCommand(onboardSkipCmd())
	return onboard
}

func onboardStartCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "start <user-id>",
		Short: "Start onboarding for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if phaseID == "" {
				return fmt.Errorf("--phase required")
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				ob, err := e.StartOnboarding(ctx, args[0], phaseID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ob)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	return cmd
}

func onboardStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show onboarding status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ob, err := r.GetOnboarding(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ob)
				}
				fmt.Printf("User %s: %s (%d%%)\n", ob.UserID, ob.Status, ob.Progress)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Name", "Required", "Status"})
				for _, s := range ob.Steps {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Required, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func onboardStepCmd() *cobra.Command {
	var dataJSON string
	cmd := &cobra.Command{
		Use:   "step <user-id> <step-id>",
		Short: "Complete an onboarding step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				ob, err := e.CompleteStep(ctx, args[0], args[1], data)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ob)
			})
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "step data as JSON object")
	return cmd
}

func onboardSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <user-id> <step-id>",
		Short: "Skip an optional onboarding step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				ob, err := e.SkipStep(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrIndent(ob)
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Run bulk sync operations",
		Long:  "Sync pushes configuration to every target in a phase. Calls are rate limited and guarded by a circuit breaker; per-target failures do not abort the batch.",
	}
	sync.AddCommand(syncRunCmd())
	sync.AddCommand(syncStatusCmd())
	sync.AddCommand(syncLogCmd())
	return sync
}

func syncRunCmd() *cobra.Command {
	var remoteURL, apiKey string
	cmd := &cobra.Command{
		Use:   "run <phase-id>",
		Short: "Sync all targets of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *rollout.Engine) error {
				id, err := resolveDeployment(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetPhase(ctx, id, args[0])
				if err != nil {
					return err
				}
				if len(p.TargetUsers) == 0 {
					return fmt.Errorf("phase %s has no targets", p.ID)
				}
				x := newExecutor(cfg, remoteURL, apiKey, e.Repo, nil)
				results, err := x.SyncAll(ctx, p.ID, p.TargetUsers)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Operation", "Result"})
				for _, res := range results {
					outcome := "ok"
					if res.Err != nil {
						outcome = res.Error
					}
					tw.AppendRow(table.Row{res.TargetID, res.OperationID, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote-url", "http://127.0.0.1:9090", "remote sync endpoint")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "remote API key")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Show a sync operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				op, err := r.GetOperation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(op)
			})
		},
	}
	return cmd
}

func syncLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <operation-id>",
		Short: "Show a sync operation's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListOperationLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, e := range entries {
					fmt.Printf("%s  %s\n", e.TS, e.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{Use: "feedback", Short: "Collect user feedback"}
	fb.AddCommand(feedbackSubmitCmd())
	fb.AddCommand(feedbackListCmd())
	return fb
}

func feedbackSubmitCmd() *cobra.Command {
	var userID, category, severity, text string
	var rating int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				f := domain.Feedback{UserID: userID, Category: category, Severity: severity, Text: text}
				if cmd.Flags().Changed("rating") {
					f.Rating = &rating
				}
				out, err := e.SubmitFeedback(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrIndent(out)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&category, "category", "issue", "category (issue, suggestion, praise, question)")
	cmd.Flags().StringVar(&severity, "severity", "", "severity")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 0-5")
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func feedbackListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFeedback(ctx, category)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Weekly rollout reports"}
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportRegenerateCmd())
	rep.AddCommand(reportCompareCmd())
	return rep
}

func reportDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD")
	}
	return t, nil
}

func reportShowCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the weekly report",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := reportDate(date)
			if err != nil {
				return err
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				rep, err := e.WeeklyReport(ctx, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Week %s\n", rep.Week)
				fmt.Printf("  new onboardings:  %d\n", rep.NewOnboardings)
				fmt.Printf("  completed:        %d\n", rep.Completed)
				fmt.Printf("  active issues:    %d\n", rep.ActiveIssues)
				fmt.Printf("  avg satisfaction: %.1f\n", rep.AvgSatisfaction)
				for _, m := range rep.Milestones {
					fmt.Printf("  milestone: %s\n", m)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "any date inside the week (YYYY-MM-DD)")
	return cmd
}

func reportRegenerateCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate the weekly report",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := reportDate(date)
			if err != nil {
				return err
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				rep, err := e.RegenerateReport(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrIndent(rep)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "any date inside the week (YYYY-MM-DD)")
	return cmd
}

func reportCompareCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare the weekly report with the previous week",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := reportDate(date)
			if err != nil {
				return err
			}
			return withLoadedEngine(cmd.Context(), func(ctx context.Context, e *rollout.Engine) error {
				cmp, err := e.CompareWeeklyReports(ctx, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmp)
				}
				fmt.Printf("Week %s vs %s\n", cmp.Week, cmp.PreviousWeek)
				fmt.Printf("  new onboardings:  %+d\n", cmp.NewOnboardings)
				fmt.Printf("  completed:        %+d\n", cmp.Completed)
				fmt.Printf("  active issues:    %+d\n", cmp.ActiveIssues)
				fmt.Printf("  avg satisfaction: %+.1f\n", cmp.AvgSatisfaction)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "any date inside the week (YYYY-MM-DD)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := resolveDeployment(ctx, r)
				if err != nil {
					return err
				}
				events, err := r.ListEvents(ctx, id, n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, remoteURL, apiKey string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}

			hub := stream.NewHub(nil)
			hub.Start()
			defer hub.Close()

			e := rollout.New(conn, cfg, hub, nil)
			x := newExecutor(cfg, remoteURL, apiKey, e.Repo, hub)

			var dispatcher *notify.Dispatcher
			if cfg.Notifications.Enabled {
				dispatcher = notify.NewDispatcher(notify.LogSender{Logger: e.Logger}, e.Logger)
				dispatcher.Run(cmd.Context(), hub)
				defer dispatcher.Stop()
			}

			handler, err := server.New(server.Config{Engine: e, Bulk: x, Hub: hub, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, websocket at %s/ws)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&remoteURL, "remote-url", "http://127.0.0.1:9090", "remote sync endpoint")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "remote API key")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, cfg *config.Config, fn func(context.Context, *rollout.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, rollout.New(conn, cfg, nil, nil))
}

func withLoadedEngine(ctx context.Context, fn func(context.Context, *rollout.Engine) error) error {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	return withEngine(ctx, cfg, fn)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func newExecutor(cfg *config.Config, remoteURL, apiKey string, r repo.Repo, hub *stream.Hub) *bulk.Executor {
	x := bulk.New(remote.NewClient(remoteURL, apiKey), r, hub, nil)
	x.Limiter = resilience.NewLimiter(cfg.Resilience.Limiter.Capacity, cfg.Resilience.Limiter.RefillPerSecond)
	x.Breaker = resilience.NewBreaker(cfg.Resilience.Breaker.FailureThreshold)
	x.Retry = resilience.RetryConfig{
		MaxAttempts:  cfg.Resilience.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Resilience.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Resilience.Retry.MaxDelayMS) * time.Millisecond,
	}
	if cfg.Bulk.MaxConcurrent > 0 {
		x.MaxConcurrent = cfg.Bulk.MaxConcurrent
	}
	return x
}

// resolveDeployment picks the deployment to operate on: the --deployment flag
// when set, otherwise the single imported deployment.
func resolveDeployment(ctx context.Context, r repo.Repo) (string, error) {
	if id := strings.TrimSpace(viper.GetString("deployment")); id != "" {
		return id, nil
	}
	items, err := r.ListDeployments(ctx)
	if err != nil {
		return "", err
	}
	switch len(items) {
	case 0:
		return "", fmt.Errorf("no deployment imported; run sl plan import --file <path>")
	case 1:
		return items[0].ID, nil
	default:
		return "", fmt.Errorf("multiple deployments; pick one with --deployment")
	}
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
