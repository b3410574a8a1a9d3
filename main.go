package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"collab-server/collab"
	"collab-server/config"
	"collab-server/core"
	"collab-server/handlers/api/sessions"
	"collab-server/handlers/api/snapshots"
	"collab-server/metrics"
	authMiddleware "collab-server/middleware"
	"collab-server/session"
	"collab-server/stores"
	"collab-server/transport"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

type flags struct {
	envFile   string
	logLevel  string
	host      string
	port      int
	transport string
}

func main() {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:           "collab-server",
		Short:         "Realtime collaborative editing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "Optional env file to load")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	rootCmd.PersistentFlags().StringVar(&f.host, "host", "", "Listen host")
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "Preferred listen port")
	rootCmd.PersistentFlags().StringVar(&f.transport, "transport", "", "Peer transport: websocket or socketio")

	rootCmd.AddCommand(
		serveCmd(f),
		hostCmd(f),
		tokenCmd(f),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads env configuration and applies command-line overrides.
func loadConfig(f *flags) (config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return cfg, nil
}

func apiRoutes(registry *session.Registry, store core.SnapshotStore) func(chi.Router) {
	return func(r chi.Router) {
		r.Route("/sessions", sessions.Routes(registry))
		r.Route("/snapshots", snapshots.Routes(store))
	}
}

func newManager(ctx context.Context, cfg config.Config) (*collab.Manager, core.SnapshotStore, error) {
	store, err := stores.GetStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	registry := session.NewRegistry()
	m := metrics.New()

	opts := transport.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Backend:        cfg.Transport,
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		Routes:         apiRoutes(registry, store),
		Metrics:        m,
	}
	if cfg.JWTSecret != "" {
		opts.Auth = authMiddleware.AuthJWT([]byte(cfg.JWTSecret))
	} else {
		logrus.Warn("JWT_SECRET not set, peer endpoint and API are unauthenticated")
	}

	return collab.NewManager(collab.Options{
		Registry:         registry,
		Transport:        opts,
		Store:            store,
		Events:           core.LogSink{},
		Metrics:          m,
		AutosaveInterval: cfg.AutosaveInterval,
	}), store, nil
}

// waitForShutdown blocks until a termination signal or until the manager
// stopped its server because the last session ended.
func waitForShutdown(ctx context.Context, manager *collab.Manager) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Shutting down...")
			return
		case <-ticker.C:
			if !manager.ServerRunning() {
				logrus.Info("No sessions left, exiting")
				return
			}
		}
	}
}

func shutdown(manager *collab.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		logrus.WithError(err).Warn("Shutdown incomplete")
	}
}

func hostCmd(f *flags) *cobra.Command {
	var (
		name     string
		userName string
		resume   string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a session and serve it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			manager, _, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown(manager)

			var (
				info   core.SessionInfo
				userID string
			)
			if resume != "" {
				info, userID, err = manager.ResumeSession(ctx, resume, name, userName)
			} else {
				info, userID, err = manager.CreateSession(ctx, name, userName)
			}
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"session_id": info.SessionID,
				"user_id":    userID,
				"port":       manager.ServerPort(),
				"transport":  cfg.Transport,
			}).Info("Session is open for peers")

			waitForShutdown(ctx, manager)
			if _, err := manager.LeaveSession(context.Background(), info.SessionID, userID); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
				logrus.WithError(err).Warn("Leaving session failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "Untitled session", "Session name")
	cmd.Flags().StringVar(&userName, "user", "host", "Display name of the hosting participant")
	cmd.Flags().StringVar(&resume, "resume", "", "Reopen a stored session by id instead of creating one")
	return cmd
}

func serveCmd(f *flags) *cobra.Command {
	var userName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Reopen every stored session and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			manager, store, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown(manager)

			ids, err := store.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return errors.New("no stored sessions to serve; use the host command to create one")
			}
			for _, id := range ids {
				if _, _, err := manager.ResumeSession(ctx, id, id, userName); err != nil {
					logrus.WithError(err).WithField("session_id", id).Warn("Failed to resume session")
				}
			}
			if manager.Registry().Count() == 0 {
				return errors.New("no session could be resumed")
			}

			logrus.WithFields(logrus.Fields{
				"sessions": manager.Registry().Count(),
				"port":     manager.ServerPort(),
			}).Info("Serving stored sessions")
			waitForShutdown(ctx, manager)
			return nil
		},
	}

	cmd.Flags().StringVar(&userName, "user", "host", "Display name of the hosting participant")
	return cmd
}

func tokenCmd(f *flags) *cobra.Command {
	var (
		subject string
		name    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a peer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := authMiddleware.IssueToken([]byte(cfg.JWTSecret), subject, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (participant id)")
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "collab-server %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
