package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"trailhead/internal/app"
	"trailhead/internal/catalog"
	"trailhead/internal/config"
	"trailhead/internal/db"
	"trailhead/internal/domain"
	"trailhead/internal/migrate"
	"trailhead/internal/repo"
	"trailhead/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "trail",
	Short: "Trailhead expedition engine",
	Long: `Trailhead runs timed expeditions that raise events a trainer can answer.
- Expedition: a timed run that advances once per tick and pays a reward when it completes.
- Event: something that happens on the way; it offers options with a success rate, reward multiplier and risk.
- Intervention: answering a pending event before its deadline. Unanswered events resolve themselves with the safest option, at a penalty.
- Workspace: the directory holding trailhead.yml and the .trailhead database.
- Event log: every notification is recorded; view it with 'trail log tail'.`,
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRAILHEAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("trainer-id", "local-trainer", "trainer identifier")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress engine logs")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("trainer-id", rootCmd.PersistentFlags().Lookup("trainer-id"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(expeditionCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth, legacyHeader, devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:                viper.GetString("jwt-secret"),
				AllowLegacyTrainerHeader: legacyHeader,
				Disabled:                 noAuth,
				Logger:                   logger(),
			}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("TRAILHEAD_JWT_SECRET is required for bearer auth (or pass --no-auth)")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{App: rt, BasePath: basePath, Auth: authCfg, DevTokens: devTokens})
				if err != nil {
					return err
				}
				errc := make(chan error, 1)
				go func() { errc <- rt.Run(ctx) }()
				server.StartWebhooks(ctx, rt.Repo, rt.Config.Webhooks, rt.Logger)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					select {
					case <-ctx.Done():
					case err := <-errc:
						if err != nil {
							rt.Logger.Printf("engine: stopped: %v", err)
						}
					}
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Trailhead API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "serve without authentication (local only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-trainer-header", false, "accept X-Trainer-Id without a token")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "expose POST /auth/dev/token")
	return cmd
}

func simulateCmd() *cobra.Command {
	var (
		id       string
		minutes  int
		strategy string
		tick     time.Duration
		seed     int64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one expedition in-process and print its notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strategy {
			case "none", "safest", "riskiest", "random":
			default:
				return fmt.Errorf("--respond must be one of none, safest, riskiest, random")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if tick > 0 {
				cfg.Simulation.TickInterval = config.Duration(tick)
			}
			if seed != 0 {
				cfg.Simulation.Seed = seed
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return withRuntimeConfig(ctx, cfg, func(ctx context.Context, rt *app.Runtime) error {
				go rt.Run(ctx)
				picker := rand.New(rand.NewSource(time.Now().UnixNano()))
				finished := make(chan domain.Completion, 1)
				printer := newNotificationPrinter(os.Stdout, viper.GetBool("json"))

				exp, err := rt.StartExpedition(ctx, app.CreateExpedition{
					ID:              id,
					TrainerID:       viper.GetString("trainer-id"),
					DurationMinutes: minutes,
				})
				if err != nil {
					return err
				}
				unsubscribe, err := rt.Engine.Subscribe(ctx, exp.ID, "simulate", func(n domain.Notification) error {
					printer.print(n)
					switch n.Kind {
					case domain.KindInterventionRequired:
						ev, ok := n.Payload.(domain.ExpeditionEvent)
						if !ok || strategy == "none" {
							return nil
						}
						opt, ok := chooseOption(strategy, ev.Options, picker)
						if !ok {
							return nil
						}
						_, err := rt.Engine.Respond(ctx, domain.PlayerResponse{EventID: ev.ID, OptionID: opt.ID})
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					case domain.KindExpeditionComplete:
						if c, ok := n.Payload.(domain.Completion); ok {
							finished <- c
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				defer unsubscribe()

				select {
				case <-ctx.Done():
					if err := rt.StopExpedition(context.Background(), exp.ID); err != nil {
						rt.Logger.Printf("simulate: stop %s: %v", exp.ID, err)
					}
					return ctx.Err()
				case c := <-finished:
					if !viper.GetBool("json") {
						fmt.Printf("expedition %s complete: reward %d (base %d x %.3f x %.0f%%), events %d raised / %d answered / %d auto\n",
							c.ExpeditionID, c.FinalReward, c.BaseReward, c.TotalRewardMultiplier, c.SuccessProbability,
							c.EventsRaised, c.EventsResponded, c.EventsAutoResolved)
					}
					return nil
				}
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "expedition id (random when empty)")
	cmd.Flags().IntVar(&minutes, "minutes", 1, "expedition duration in simulated minutes")
	cmd.Flags().StringVar(&strategy, "respond", "safest", "response strategy: none, safest, riskiest, random")
	cmd.Flags().DurationVar(&tick, "tick", 0, "wall-clock length of one simulated second (overrides config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (overrides config)")
	return cmd
}

func chooseOption(strategy string, options []domain.EventOption, rng *rand.Rand) (domain.EventOption, bool) {
	if len(options) == 0 {
		return domain.EventOption{}, false
	}
	switch strategy {
	case "riskiest":
		best := options[0]
		for _, o := range options[1:] {
			if domain.RiskRank(o.RiskLevel) > domain.RiskRank(best.RiskLevel) {
				best = o
			}
		}
		return best, true
	case "random":
		return options[rng.Intn(len(options))], true
	default:
		return catalog.SafestOption(options)
	}
}

type notificationPrinter struct {
	w    io.Writer
	json bool
}

func newNotificationPrinter(w io.Writer, asJSON bool) notificationPrinter {
	return notificationPrinter{w: w, json: asJSON}
}

func (p notificationPrinter) print(n domain.Notification) {
	if p.json {
		b, _ := json.Marshal(n)
		fmt.Fprintln(p.w, string(b))
		return
	}
	ts := n.TS.Format("15:04:05")
	switch v := n.Payload.(type) {
	case domain.Expedition:
		fmt.Fprintf(p.w, "%s %-22s %5.1f%% %-12s remaining=%ds probability=%.0f multiplier=%.3f\n",
			ts, n.Kind, v.Progress, v.Stage, v.TimeRemaining, v.SuccessProbability, v.TotalRewardMultiplier)
	case domain.ExpeditionEvent:
		line := fmt.Sprintf("%s %-22s [%s] %s", ts, n.Kind, v.Category, v.Description)
		if v.Resolution != nil {
			outcome := "failed"
			if v.Resolution.Success {
				outcome = "succeeded"
			}
			line += fmt.Sprintf(" -> %s %s", v.Resolution.OptionID, outcome)
		}
		fmt.Fprintln(p.w, line)
	case domain.ResponseResult:
		outcome := "failed"
		if v.Success {
			outcome = "succeeded"
		}
		fmt.Fprintf(p.w, "%s %-22s %s %s probability=%.0f multiplier=%.3f\n",
			ts, n.Kind, v.OptionID, outcome, v.SuccessProbability, v.TotalRewardMultiplier)
	default:
		b, _ := json.Marshal(n.Payload)
		fmt.Fprintf(p.w, "%s %-22s %s\n", ts, n.Kind, string(b))
	}
}

func expeditionCmd() *cobra.Command {
	exp := &cobra.Command{Use: "expedition", Short: "Inspect recorded expeditions"}
	exp.AddCommand(expeditionListCmd())
	return exp
}

func expeditionListCmd() *cobra.Command {
	var f repo.ExpeditionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expedition records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExpeditions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trainer", "Minutes", "Status", "Created", "Ended"})
				for _, e := range items {
					ended := ""
					if e.EndedAt != nil {
						ended = *e.EndedAt
					}
					tw.AppendRow(table.Row{e.ID, e.TrainerID, e.DurationMinutes, e.Status, e.CreatedAt, ended})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TrainerID, "trainer", "", "trainer filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, completed, stopped)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func resultsCmd() *cobra.Command {
	res := &cobra.Command{Use: "results", Short: "Completed expeditions and rewards"}
	res.AddCommand(resultsListCmd())
	res.AddCommand(resultsBalanceCmd())
	return res
}

func resultsListCmd() *cobra.Command {
	var trainer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expedition results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResults(ctx, trainer, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Expedition", "Trainer", "Reward", "Multiplier", "Probability", "Events", "Answered", "Auto", "Completed"})
				var total int64
				for _, x := range items {
					total += x.FinalReward
					tw.AppendRow(table.Row{
						x.ExpeditionID, x.TrainerID, x.FinalReward,
						fmt.Sprintf("%.3f", x.TotalRewardMultiplier), fmt.Sprintf("%.0f%%", x.SuccessProbability),
						x.EventsRaised, x.EventsResponded, x.EventsAutoResolved, x.CompletedAt,
					})
				}
				tw.AppendFooter(table.Row{"", "Total", total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trainer, "trainer", "", "trainer filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func resultsBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the reward balance of --trainer-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			trainer := viper.GetString("trainer-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				balance, err := r.TrainerBalance(ctx, trainer)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"trainer_id": trainer, "balance": balance})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Expedition", "Trainer"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ExpeditionID, e.TrainerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ExpeditionID, "expedition", "", "expedition id")
	cmd.Flags().StringVar(&f.TrainerID, "trainer", "", "trainer id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in trailhead.yml: tick length, event odds, deadlines, reward rules and the event catalog. Missing sections use the built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate trailhead.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default trailhead.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --trainer-id (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TRAILHEAD_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, viper.GetString("trainer-id"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func logger() *log.Logger {
	if viper.GetBool("quiet") {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeConfig(ctx, nil, fn)
}

func withRuntimeConfig(ctx context.Context, cfg *config.Config, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    logger(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
