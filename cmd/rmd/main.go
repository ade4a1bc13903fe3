package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"remedy/internal/app"
	"remedy/internal/config"
	"remedy/internal/db"
	"remedy/internal/domain"
	"remedy/internal/engine"
	"remedy/internal/repo"
	"remedy/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rmd",
	Short: "Remedy CLI",
	Long: `Remedy orchestrates remediation requests against external security systems.
Core concepts:
- Workspace: the .remedy directory holding the SQLite database; remedy.yml beside it configures the service.
- Request: one action (remove or restore) on one observable value. Requests flow NEW -> QUEUED -> IN_PROGRESS -> COMPLETED/FAILED; CANCELLED is the operator exit.
- Remediator: a connector executing requests for one observable type (drivers: log, command, http).
- Lease: a worker's exclusive claim on a running request; expired leases are swept back to the queue.
- History: the append-only audit trail; every transition writes exactly one entry.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RMD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(typesCmd())
	rootCmd.AddCommand(remediatorsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with embedded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			logger := newLogger()
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(a.Config),
				AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
				DevLogin:               a.Config.Auth.DevLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("RMD_JWT_SECRET or config auth.jwt_secret is required when the legacy actor header is disabled")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Query:    a.Query,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			done := make(chan struct{})
			if noWorker {
				close(done)
			} else {
				exec := engine.NewExecutor(a.Engine, logger)
				go func() {
					defer close(done)
					if err := exec.Run(ctx); err != nil {
						logger.Error("executor stopped", "error", err)
					}
				}()
			}
			if len(a.Config.Webhooks) > 0 {
				go server.NewWebhookDispatcher(a.Engine, logger).Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving remedy API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-done
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without executing queued requests")
	return cmd
}

func workerCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the execution workers without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			logger := newLogger()
			exec := engine.NewExecutor(a.Engine, logger)
			if drain {
				n, err := exec.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("executed %d queued request(s)\n", n)
				return nil
			}
			fmt.Printf("worker %s running (%d workers, poll %s)\n", exec.OwnerID, a.Config.Engine.Workers, a.Config.PollInterval())
			return exec.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "execute everything currently queued, then exit")
	return cmd
}

func createCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a remediation request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && r.Status == domain.StatusNew {
					fmt.Printf("warning: no remediator available for type %s; request stays NEW\n", r.Type)
				}
				return printRecord(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "observable type")
	cmd.Flags().StringVar(&opts.Value, "value", "", "observable value")
	cmd.Flags().StringVar(&opts.Action, "action", domain.ActionRemove, "action (remove or restore)")
	cmd.Flags().StringVar(&opts.RestoreKey, "restore-key", "", "provider key for a later restore")
	cmd.Flags().StringVar(&opts.Detail, "comment", "", "note recorded on the created history entry")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func bulkCmd() *cobra.Command {
	var observableType, action, file string
	cmd := &cobra.Command{
		Use:   "bulk [values...]",
		Short: "Create one request per value",
		Long:  "Values come from positional arguments, --file (one per line), or stdin when --file is '-'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			values := append([]string(nil), args...)
			if file != "" {
				var data []byte
				var err error
				if file == "-" {
					data, err = io.ReadAll(os.Stdin)
				} else {
					data, err = os.ReadFile(file)
				}
				if err != nil {
					return err
				}
				values = append(values, domain.SplitValues(string(data))...)
			}
			if len(values) == 0 {
				return fmt.Errorf("no values given; pass arguments or --file")
			}
			actorID := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.BulkCreate(ctx, observableType, action, values, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("created %d, queued %d\n", res.Created, res.Queued)
				for _, f := range res.Failures {
					fmt.Printf("  failed %s: %s\n", f.ID, f.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&observableType, "type", "", "observable type")
	cmd.Flags().StringVar(&action, "action", domain.ActionRemove, "action (remove or restore)")
	cmd.Flags().StringVar(&file, "file", "", "file with one value per line, or - for stdin")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.ListFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List remediation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				total, err := a.Repo.CountRemediations(ctx, f)
				if err != nil {
					return err
				}
				items, err := a.Repo.ListRemediations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Value", "Action", "Status", "Remediator", "Attempts", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Value, r.Action, r.Status, r.Remediator, r.Attempts, r.CreatedAt})
				}
				tw.Render()
				fmt.Printf("%d of %d\n", len(items), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "observable type filter")
	cmd.Flags().StringVar(&f.Value, "value", "", "value filter (substring)")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.Remediator, "remediator", "", "remediator filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().StringVar(&f.Result, "result", "", "result filter (substring)")
	cmd.Flags().StringVar(&f.SortField, "sort", "created_at", "sort field")
	cmd.Flags().StringVar(&f.SortDir, "dir", "desc", "sort direction (asc or desc)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Repo.GetRemediation(ctx, id)
				if err != nil {
					return err
				}
				return printRecord(r)
			})
		},
	}
	return cmd
}

func cancelCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel requests that have not finished",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, fails := a.Engine.CancelMany(ctx, args, actorID, comment)
				return printAffected("cancelled", n, fails)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded on the cancellation")
	return cmd
}

func retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Requeue failed or cancelled requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, fails := a.Engine.RetryMany(ctx, args, actorID)
				return printAffected("requeued", n, fails)
			})
		},
	}
	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id>...",
		Short: "Issue inverse requests for completed removals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, fails := a.Engine.RestoreMany(ctx, args, actorID)
				return printAffected("restore requested", n, fails)
			})
		},
	}
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete requests that never queued or already finished",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, fails := a.Engine.DeleteMany(ctx, args)
				return printAffected("deleted", n, fails)
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a request's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if _, err := a.Repo.GetRemediation(ctx, id); err != nil {
					return err
				}
				total, err := a.Repo.CountHistory(ctx, id)
				if err != nil {
					return err
				}
				entries, err := a.Repo.ListHistory(ctx, id, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"entries": entries, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Detail"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.TS, h.FromStatus, h.ToStatus, h.ActorID, h.Detail})
				}
				tw.Render()
				fmt.Printf("%d of %d\n", len(entries), total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func typesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "Observable type catalog and remediator coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if viper.GetBool("json") {
					out := map[string][]string{}
					for _, t := range a.Config.Observables.Types {
						names := []string{}
						for _, rem := range a.Registry.ForType(t) {
							names = append(names, rem.Name())
						}
						out[t] = names
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Remediators"})
				for _, t := range a.Config.Observables.Types {
					names := make([]string, 0, 2)
					for _, rem := range a.Registry.ForType(t) {
						names = append(names, rem.Name())
					}
					tw.AppendRow(table.Row{t, strings.Join(names, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func remediatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remediators",
		Short: "List registered remediators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				all := a.Registry.All()
				if viper.GetBool("json") {
					out := make([]map[string]string, 0, len(all))
					for _, rem := range all {
						out = append(out, map[string]string{"name": rem.Name(), "type": rem.ObservableType()})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Type"})
				for _, rem := range all {
					tw.AppendRow(table.Row{rem.Name(), rem.ObservableType()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				counts, err := a.Repo.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				order := []string{
					domain.StatusNew, domain.StatusQueued, domain.StatusInProgress,
					domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
				}
				total := 0
				for _, s := range order {
					fmt.Printf("  %s: %d\n", s, counts[s])
					total += counts[s]
				}
				fmt.Printf("  total: %d\n", total)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				plaintext := hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := a.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": plaintext})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plaintext)
				fmt.Println("Store the key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, k.RevokedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Repo.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role assignments",
	}
	cmd.AddCommand(roleGrantCmd())
	cmd.AddCommand(roleRevokeCmd())
	cmd.AddCommand(roleListCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return app.GrantRole(ctx, a.Repo, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return app.RevokeRole(ctx, a.Repo, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				roles, err := a.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				names := make([]string, 0, len(roles))
				for name := range roles {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("%s: %s\n", name, strings.Join(roles[name], ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printRecord(a.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default remedy.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "remedy", "service name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK (%d observable types, %d remediators)\n", len(cfg.Observables.Types), len(cfg.Remediators))
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(viper.GetString("log-level"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("RMD_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

func printAffected(verb string, n int, fails []engine.OpFailure) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"affected": n, "failures": fails})
	}
	fmt.Printf("%s %d request(s)\n", verb, n)
	for _, f := range fails {
		fmt.Printf("  failed %s: %s\n", f.ID, f.Error)
	}
	return nil
}

func printRecord(v any) error {
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
