package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/identity"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
	"escrowline/internal/signer"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Escrowline CLI",
	Long: `Escrowline runs freelance projects whose budget is held in an on-chain escrow.
- Projects are posted open with a budget; freelancers apply.
- hire locks the budget on the ledger for the chosen applicant (client signs).
- complete marks the work done on the ledger (freelancer signs).
- finalize releases the escrow to the freelancer (client signs).
The ledger is the source of truth. If a command reports a confirmation
timeout or state drift, run 'el reconcile <project> --apply' instead of
retrying.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetBool("log-json"), viper.GetString("log-level")))
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Bool("log-json", false, "log in JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("as", "", "acting user id")
	flags.String("key", "", "hex private key to sign with (or EL_KEY)")
	flags.String("keystore", "", "keystore file to sign with; passphrase from EL_KEYSTORE_PASSWORD")
	for _, name := range []string{"workspace", "json", "log-json", "log-level", "as", "key", "keystore"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(applicationsCmd())
	rootCmd.AddCommand(hireCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(finalizeCmd())
	rootCmd.AddCommand(lifecycleCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	return &cobra.Command{
		Use:   "init",
		Short: "Create escrowline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userCreateCmd())
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userWalletCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Username, "username", "", "username")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleClient, "client, freelancer or admin")
	cmd.Flags().StringVar(&opts.WalletAddress, "wallet", "", "wallet address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Email", "Role", "Wallet")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role, identity.Short(u.WalletAddress)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet <user-id> <address>",
		Short: "Set a user's wallet address (empty string clears it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.SetWallet(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a project as the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actingUser()
			if err != nil {
				return err
			}
			opts.OwnerID = owner
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Budget, "budget", "", "budget in ether, e.g. 1.5")
	cmd.Flags().StringVar(&opts.BudgetWei, "budget-wei", "", "budget in wei")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Owner", "Freelancer", "Ledger ID")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.OwnerID, deref(p.FreelancerID), ledgerID(p.LedgerID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.FreelancerID, "freelancer", "", "freelancer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func applyCmd() *cobra.Command {
	var cover string
	cmd := &cobra.Command{
		Use:   "apply <project-id>",
		Short: "Apply to an open project as the acting freelancer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Apply(ctx, args[0], userID, cover)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&cover, "cover", "", "cover letter")
	return cmd
}

func applicationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "applications <project-id>",
		Short: "List a project's applications (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				apps, err := rt.Engine.Applications(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				tw := newTable("ID", "Freelancer", "Status", "Created")
				for _, a := range apps {
					tw.AppendRow(table.Row{a.ID, a.FreelancerID, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func hireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hire <project-id> <application-id>",
		Short: "Hire an applicant and lock the budget in escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				p, err := rt.Engine.Hire(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Mark the work complete on the ledger (assigned freelancer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				p, err := rt.Engine.MarkComplete(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func finalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <project-id>",
		Short: "Release the escrow to the freelancer (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				p, err := rt.Engine.Finalize(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func lifecycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lifecycle <project-id>",
		Short: "Show a project next to its ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.Lifecycle(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				p := view.Project
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Owner: %s  Freelancer: %s  Ledger ID: %s\n", p.OwnerID, deref(p.FreelancerID), ledgerID(p.LedgerID))
				switch {
				case view.Ledger != nil:
					l := view.Ledger
					fmt.Printf("Ledger: payer %s payee %s amount %s wei completed=%t released=%t\n",
						identity.Short(l.Payer), identity.Short(l.Payee), l.AmountWei, l.Completed, l.Released)
				case view.LedgerError != "":
					fmt.Printf("Ledger: unavailable (%s)\n", view.LedgerError)
				}
				for _, d := range view.Drift {
					fmt.Printf("DRIFT %s: %s at %s (%s)\n", d.ID, d.Operation, d.DetectedAt, d.Cause)
				}
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "reconcile <project-id>",
		Short: "Compare a project with the ledger and optionally apply the ledger's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := strings.TrimSpace(viper.GetString("as"))
			if actor == "" {
				actor = "reconciler"
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.Reconcile(ctx, args[0], engine.ReconcileOptions{Apply: apply, ActorID: actor})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Project %s: recorded %s, ledger says %s\n", rep.ProjectID, rep.Recorded, rep.Expected)
				switch {
				case rep.InSync:
					fmt.Println("In sync.")
				case rep.Applied:
					fmt.Printf("Applied ledger state; resolved %d drift entries.\n", rep.ResolvedDrift)
				default:
					fmt.Println("Out of sync; rerun with --apply to adopt the ledger's state.")
				}
				for _, n := range rep.Notes {
					fmt.Println("note:", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "write the ledger-derived state")
	return cmd
}

func verifyCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signing key against the acting user's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := signingContext()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if expected == "" {
					userID, err := actingUser()
					if err != nil {
						return err
					}
					u, err := rt.Engine.Repo.GetUser(ctx, userID)
					if err != nil {
						return err
					}
					expected = u.WalletAddress
				}
				res, err := rt.Engine.VerifyIdentity(ctx, expected, sc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Match {
					fmt.Printf("OK: signing key is %s\n", identity.Checksum(res.Actual))
					return nil
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "address to check against (default: acting user's wallet)")
	return cmd
}

func driftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "drift", Short: "Inspect ledger/record drift"}
	var projectID string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListDrift(ctx, projectID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Project", "Operation", "Ledger ID", "Tx", "Detected", "Resolved")
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ProjectID, d.Operation, ledgerID(d.LedgerID), d.TxHash, d.DetectedAt, deref(d.ResolvedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&projectID, "project", "", "project filter")
	list.Flags().BoolVar(&all, "all", false, "include resolved entries")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event journal"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Project", "Actor", "Payload")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Issue an API key; the raw key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, raw, err := rt.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "user_id": key.UserID, "key": raw})
				}
				fmt.Printf("API key for %s (id %s):\n%s\n", key.UserID, key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := slog.Default()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Log: log, Registerer: reg})
			if err != nil {
				return err
			}
			defer rt.Close()

			var keys *signer.Keyring
			if path := rt.Config.Signer.Keyring; path != "" {
				keys, err = signer.LoadKeyring(path, os.Getenv("EL_KEYRING_PASSWORD"))
				if err != nil {
					return err
				}
				log.Info("loaded signing keyring", "path", path, "keys", keys.Len())
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("EL_JWT_SECRET"), DevLogin: devLogin, Logger: log}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("EL_JWT_SECRET is required for --dev-login")
			}
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      authCfg,
				Keyring:   keys,
				Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				RateLimit: rt.Config.Server.RateLimit,
				RateBurst: rt.Config.Server.RateBurst,
				Log:       log,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, rt.Engine, rt.Config.Webhooks, log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving escrowline API", "addr", addr, "base_path", basePath, "ledger", rt.Config.Ledger.Driver)
			fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "DEV ONLY: expose POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func newLogger(jsonOut bool, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Log: slog.Default()})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withActor(ctx context.Context, fn func(context.Context, *app.Runtime, engine.Actor) error) error {
	userID, err := actingUser()
	if err != nil {
		return err
	}
	sc, err := signingContext()
	if err != nil {
		return err
	}
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt, engine.Actor{UserID: userID, Signer: sc})
	})
}

func actingUser() (string, error) {
	id := strings.TrimSpace(viper.GetString("as"))
	if id == "" {
		return "", errors.New("acting user required; pass --as or set EL_AS")
	}
	return id, nil
}

// signingContext resolves the key from --key/EL_KEY or --keystore. Without
// either the context is disconnected and lifecycle commands fail with a
// no-signer error.
func signingContext() (identity.SigningContext, error) {
	if hexKey := strings.TrimSpace(viper.GetString("key")); hexKey != "" {
		return signer.FromHex(hexKey)
	}
	if path := strings.TrimSpace(viper.GetString("keystore")); path != "" {
		return signer.FromKeystore(path, os.Getenv("EL_KEYSTORE_PASSWORD"))
	}
	return signer.Disconnected{}, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ledgerID(id *uint64) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%d", *id)
}
