package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/icssc/auth/cmd/auth-server/oauth"
	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/config"
	"github.com/icssc/auth/internal/google"
	"github.com/icssc/auth/internal/logger"
	"github.com/icssc/auth/internal/metrics"
	core "github.com/icssc/auth/internal/oauth"
	"github.com/icssc/auth/internal/storage"
	"github.com/icssc/auth/internal/store"
)

const ServiceVersion = "v1.0.0"

func main() {
	root := &cobra.Command{
		Use:           "auth-server",
		Short:         "ICSSC OAuth 2.0 / OpenID Connect provider",
		SilenceUsage:  true,
		SilenceErrors: true,
		// The logger is built from the process environment only, since
		// LoadEnv already logs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger.Init(logger.Config{
				Env:         os.Getenv("APP_ENV"),
				Level:       os.Getenv("LOG_LEVEL"),
				ServiceName: "auth-server",
				Version:     ServiceVersion,
			})
			_ = config.LoadEnv(cmd.Context(), "../../.env")
			return nil
		},
	}
	root.AddCommand(serveCmd(), keysCmd(), clientsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	addr := envOr("LISTEN_ADDR", ":8080")
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", addr, "listen address (env LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, addr string) error {
	log := logger.L()

	cfg, err := core.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if len(cfg.StateSecret) == 0 {
		secret, err := core.RandomString(48)
		if err != nil {
			return fmt.Errorf("generate state secret: %w", err)
		}
		cfg.StateSecret = []byte(secret)
		log.Warn("OAUTH_STATE_SECRET not set; using a per-process secret, in-flight logins will not survive a restart")
	}

	kv, closeKV, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeKV()

	src, err := storage.NewClientSourceFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("client source: %w", err)
	}
	defer src.Close()
	clients, err := storage.LoadRegistry(ctx, src)
	if err != nil {
		return err
	}

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	sinks := audit.Multi{audit.NewLogSink(logger.Named("audit")), m}
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		publisher, err := audit.DialAMQP(amqpURL, envOr("AMQP_EXCHANGE", "auth.events"))
		if err != nil {
			return fmt.Errorf("audit publisher: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	bridge, err := google.NewBridge(google.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURI:  cfg.Google.RedirectURI,
	})
	if err != nil {
		return fmt.Errorf("google bridge: %w", err)
	}

	keys := core.NewKeyManager(kv, cfg.KeyRetention)
	kp, err := keys.EnsureKeyPair(ctx)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	log.Info("signing key ready", logger.KeyID(kp.KID))

	srv, err := oauth.NewServer(cfg, clients, keys, core.NewStore(kv), bridge, sinks, m)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("auth server listening", zap.String("addr", addr), zap.String("issuer", cfg.Issuer))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore connects to Redis when REDIS_URL is set and falls back to the
// in-process store otherwise.
func openStore(ctx context.Context) (store.Store, func(), error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		logger.L().Warn("REDIS_URL not set; credentials are kept in memory and lost on restart")
		return store.NewMemory(time.Minute), func() {}, nil
	}
	r, err := store.NewRedisFromURL(ctx, redisURL, os.Getenv("REDIS_KEY_PREFIX"))
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
