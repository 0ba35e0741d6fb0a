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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"closedloop/internal/app"
	"closedloop/internal/config"
	"closedloop/internal/digest"
	"closedloop/internal/logging"
	"closedloop/internal/metrics"
	"closedloop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "loop",
	Short: "Closed-loop agent coordination",
	Long: `loop runs the proposal -> mission -> event cycle for a team of agents.
- Proposals: what an agent wants to do; a daily quota and a risk policy decide whether it runs at once or waits for a human.
- Missions: approved proposals, split into ordered steps.
- Events: append-only log of everything that happened; step and milestone events become agent learnings.
- Affinity: a symmetric score of how well two agents work together.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLOSEDLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("console", false, "human-readable log output")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "log-level", "console", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(affinityCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(digestCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create closedloop.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := app.Init(cmd.Context(), workspace, force)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("Wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("Kept existing %s\n", config.Path(workspace))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect closedloop.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate closedloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		allowLegacy    bool
		interval       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook delivery and the digest schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger()
			m := metrics.New()
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log, Metrics: m})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowLegacy,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("CLOSEDLOOP_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Agents:   a.Roster,
				Metrics:  m,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      log,
			})
			if err != nil {
				return err
			}

			if len(a.Config.Webhooks) > 0 {
				d := server.NewWebhookDispatcher(a.Store, a.Config.Webhooks, m, log)
				go d.Run(ctx, interval)
			}
			if a.Config.Digest.Enabled {
				loc, err := a.Config.Location()
				if err != nil {
					return err
				}
				sched, err := digest.NewScheduler(a.Digest(), a.Config.Digest.Schedule, loc)
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving closed-loop API (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token")
	cmd.Flags().DurationVar(&interval, "webhook-interval", server.DefaultWebhookInterval, "webhook polling interval")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func newLogger() zerolog.Logger {
	return logging.New(viper.GetString("log-level"), viper.GetBool("console"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json was given, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}
