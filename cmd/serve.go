package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/triagekit/triage/internal/api"
	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/forward"
	"github.com/triagekit/triage/internal/sessions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server that receives GitLab and SonarQube webhooks,
serves the session API, and runs the expiry sweeper in the background.
By default it listens on port 8080. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	manager := sessions.NewManager(s, sessions.Config{
		TTL:           viper.GetDuration("session_ttl"),
		RetryAttempts: viper.GetInt("retry.attempts"),
		RetryBackoff:  viper.GetDuration("retry.backoff"),
		StoreTimeout:  viper.GetDuration("store_timeout"),
	})
	classifier := events.NewClassifier(viper.GetStringSlice("quality_job_patterns"))

	var forwarder forward.Forwarder = forward.Nop{}
	if viper.GetBool("agent.forward_enabled") && viper.GetString("agent.url") != "" {
		forwarder = forward.NewHTTPForwarder(viper.GetString("agent.url"), 10*time.Second)
	}

	server := api.NewServer(s, manager, classifier, forwarder, api.Config{
		AuthEnabled:     viper.GetBool("webhook.auth_enabled"),
		GitLabSecret:    viper.GetString("webhook.gitlab_secret"),
		SonarQubeSecret: viper.GetString("webhook.sonarqube_secret"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := sessions.NewSweeper(s,
		viper.GetDuration("sweep_interval"),
		viper.GetDuration("store_timeout"))
	go sweeper.Run(ctx)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
