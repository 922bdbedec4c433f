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
	"go.uber.org/zap"

	"researchline/internal/app"
	"researchline/internal/config"
	"researchline/internal/db"
	"researchline/internal/domain"
	"researchline/internal/engine"
	"researchline/internal/projection"
	"researchline/internal/repo"
	"researchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Researchline CLI",
	Long: `Researchline turns a clarified research brief into a final audience report.
- Task: one brief plus everything produced for it. Status is running, completed or failed.
- Stages: plan (split the brief into sub-questions), analyze (one sub-question per step), synthesize (the final report).
- Polling: each status call advances a running task by at most one stage; 'rl task advance --until-done' loops it locally.
- Event log: every stage writes an event, view with 'rl log tail'.
- Projection: a legacy-shaped status row per task, repaired by 'rl projection reconcile'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("RESEARCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("server.jwt_secret")
	_ = viper.BindEnv("generation.api_key")
	_ = viper.BindEnv("retrieval.api_key")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/researchline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owner recorded on tasks created from the CLI")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(projectionCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and layers environment secrets over it.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("server.jwt_secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("generation.api_key"); v != "" {
		cfg.Generation.APIKey = v
	}
	if v := viper.GetString("retrieval.api_key"); v != "" {
		cfg.Retrieval.APIKey = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowDevOwnerHeader {
				return fmt.Errorf("RESEARCHLINE_SERVER_JWT_SECRET is required unless server.allow_dev_owner_header is set")
			}
			rt, err := app.Open(cmd.Context(), viper.GetString("workspace"), cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:           cfg.Server.JWTSecret,
					AllowDevOwnerHeader: cfg.Server.AllowDevOwnerHeader,
				},
				Logger: rt.Logger,
			})
			if err != nil {
				return err
			}
			bgCtx, cancelBg := context.WithCancel(cmd.Context())
			background := server.StartBackground(bgCtx, rt.Engine)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			rt.Logger.Info("serving researchline api",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("generation", cfg.Generation.Provider),
				zap.String("retrieval", cfg.Retrieval.Provider))
			fmt.Printf("Serving Researchline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			serveErr := srv.ListenAndServe()
			cancelBg()
			background.Wait()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage research tasks",
		Long:  "Research tasks move running -> completed, or running -> failed when planning or synthesis fails. Analysis failures degrade a sub-question without failing the task.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskAdvanceCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var params []string
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a research brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParameters(paramsJSON, params)
			if err != nil {
				return err
			}
			opts.Parameters = parameters
			opts.OwnerID = viper.GetString("owner-id")
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(engine.Snapshot(t))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (derived from the scope when empty)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ClarifiedScope, "scope", "", "clarified research scope")
	cmd.Flags().StringArrayVar(&params, "param", []string{}, "parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "parameters as a JSON object")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var allOwners bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List research tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allOwners {
				f.OwnerID = viper.GetString("owner-id")
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Status", "Progress", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.OwnerID, t.Status, fmt.Sprintf("%d%%", t.Progress), t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	cmd.Flags().BoolVar(&allOwners, "all", false, "list tasks of every owner")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task snapshot without advancing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Result(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Poll a task, advancing it by at most one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func taskAdvanceCmd() *cobra.Command {
	var untilDone bool
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a task locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				steps := 1
				if untilDone {
					steps = maxSteps
				}
				var st domain.TaskStatus
				for i := 0; i < steps; i++ {
					snap, err := e.Advance(ctx, args[0])
					if err != nil {
						return err
					}
					st = engine.StatusOf(snap)
					if !viper.GetBool("json") {
						fmt.Printf("%3d%%  %s\n", st.Progress, st.StatusMessage)
					}
					if st.Status != domain.StatusRunning {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "advance until the task is terminal")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 20, "step limit for --until-done")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				if f.EntityID != "" && f.EntityKind == "" {
					f.EntityKind = "task"
				}
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityID, "task", "", "task id filter")
	return cmd
}

func projectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Legacy status projection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show the projected row for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProjection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	var batch int
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair projection rows that lag their task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				rec := projection.Reconciler{
					Repo:   e.Repo,
					Syncer: projection.Syncer{Repo: e.Repo, Logger: e.Logger},
					Batch:  batch,
					Logger: e.Logger,
				}
				n, err := rec.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"repaired": n})
			})
		},
	}
	reconcile.Flags().IntVar(&batch, "batch", 0, "max rows to repair (0 = all)")
	cmd.AddCommand(reconcile)
	return cmd
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Task creation quota counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Drop expired quota windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeExpiredQuota(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"purged": n})
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, withProviders bool, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, withProviders)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func parseParameters(raw string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params-json must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

func printStatus(st domain.TaskStatus) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Task", st.TaskID},
		{"Status", st.Status},
		{"Progress", fmt.Sprintf("%d%%", st.Progress)},
		{"Message", st.StatusMessage},
		{"Report ready", st.ReportReady},
	})
	if st.ErrorMessage != "" {
		tw.AppendRow(table.Row{"Error", st.ErrorMessage})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
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
