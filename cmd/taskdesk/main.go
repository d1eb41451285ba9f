package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskdesk/internal/app"
	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/logging"
	"taskdesk/internal/repo"
	"taskdesk/internal/server"
)

const envFile = ".env"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskdesk",
		Short: "Taskdesk CLI",
		Long: `Taskdesk tracks departmental tasks with role-based visibility.
- Users sign up and stay pending until a super admin approves them.
- Admins manage tasks in their own department; users see what is assigned to them.
- Completing a task that a USER forwarded to you needs that user's approval.
- Every change lands in the event log; view it with 'taskdesk log tail'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initConfig()
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(signupCmd())
	root.AddCommand(whoamiCmd())
	root.AddCommand(profileCmd())
	root.AddCommand(userCmd())
	root.AddCommand(deptCmd())
	root.AddCommand(teamCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	return root
}

// initConfig wires TASKDESK_* variables, loading the workspace .env first.
// Variables already set in the environment win over the file.
func initConfig() {
	viper.SetEnvPrefix("TASKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), envFile))
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file (default <workspace>/taskdesk.yml)")
	flags.String("storage-driver", "", "override storage.driver (sqlite, redis, memory)")
	flags.String("redis-url", "", "override storage.redis_url")
	flags.String("log-level", "", "log level (default warn for commands, config level for serve)")
	for _, name := range []string{"workspace", "json", "config", "storage-driver", "redis-url", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if d := viper.GetString("storage-driver"); d != "" {
		cfg.Storage.Driver = d
	}
	if u := viper.GetString("redis-url"); u != "" {
		cfg.Storage.RedisURL = u
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config, defaultLevel string) (*zap.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" {
		level = defaultLevel
	}
	if level == "" {
		level = cfg.Log.Level
	}
	return logging.New(logging.Config{Level: level, Format: cfg.Log.Format})
}

func openApp(ctx context.Context, defaultLevel string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg, defaultLevel)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg, viper.GetString("workspace"), log)
	if err != nil {
		return nil, err
	}
	a.Identity.PersistSession = true
	return a, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx, "warn")
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Logger.Sync()
	return fn(ctx, a)
}

// withSession runs fn as the logged-in user.
func withSession(ctx context.Context, fn func(context.Context, *app.App, domain.Session) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		sess, err := a.Identity.CurrentSession(ctx)
		if err != nil {
			return fmt.Errorf("%w: run 'taskdesk login --email <email>'", err)
		}
		return fn(ctx, a, sess)
	})
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config, secret and seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
			}
			if err := ensureJWTSecret(filepath.Join(workspace, envFile)); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				depts, err := a.Repo.Departments(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workspace ready: %d departments, super admin %s\n", len(depts), a.Config.Seed.SuperAdmin.Email)
				return nil
			})
		},
	}
	return cmd
}

// ensureJWTSecret adds a random TASKDESK_JWT_SECRET to the .env file unless
// one is already present.
func ensureJWTSecret(path string) error {
	env, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if env == nil {
		env = map[string]string{}
	}
	if env["TASKDESK_JWT_SECRET"] != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	env["TASKDESK_JWT_SECRET"] = hex.EncodeToString(buf)
	return godotenv.Write(env, path)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Logger.Sync()
			// the server resolves sessions from tokens, never the stored one
			a.Identity.PersistSession = false

			cfg := a.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				TokenTTL:  cfg.Server.TokenTTL,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKDESK_JWT_SECRET is required for bearer auth (run 'taskdesk init')")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), a.Repo, cfg.Webhooks, a.Logger.Named("webhooks"))

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			a.Logger.Info("serving taskdesk API",
				zap.String("url", "http://"+addr+basePath),
				zap.String("openapi", basePath+"/openapi.json"),
				zap.String("docs", "/docs"),
				zap.String("storage", cfg.Storage.Driver),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Limit = n
				evts, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(cmd.OutOrStdout(), evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor id")
	return cmd
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// changedString returns a pointer to v only when the flag was set.
func changedString(cmd *cobra.Command, name, v string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
