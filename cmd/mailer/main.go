// Package main is the entry point for the mailer web service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-mailer-lite/internal/config"
	"github.com/shineum/smtp-mailer-lite/internal/mailer"
	"github.com/shineum/smtp-mailer-lite/internal/provider"
	"github.com/shineum/smtp-mailer-lite/internal/provider/ses"
	"github.com/shineum/smtp-mailer-lite/internal/provider/smtp"
	"github.com/shineum/smtp-mailer-lite/internal/provider/stdout"
	"github.com/shineum/smtp-mailer-lite/internal/server"
)

func main() {
	configPath := flag.String("config", ".env", "path to the settings file (.env or .yaml); empty reads the environment only")
	listen := flag.String("listen", "", "HTTP listen address (overrides http_listen)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	transport, err := selectTransport(cfg)
	if err != nil {
		slog.Error("failed to set up mail transport", "error", err)
		os.Exit(1)
	}

	client := mailer.New(transport, mailer.Options{
		DefaultSender:    cfg.Mail.DefaultSender,
		MaxEmails:        cfg.Mail.MaxEmails,
		ASCIIAttachments: cfg.Mail.ASCIIAttachments,
	})

	srv := server.New(server.Config{
		Addr:      cfg.HTTP.Listen,
		Mailer:    client,
		Resources: os.DirFS(cfg.HTTP.ResourceRoot),
	})

	slog.Info("starting smtp-mailer-lite",
		"listen", cfg.HTTP.Listen,
		"transport", transport.Name(),
		"resource_root", cfg.HTTP.ResourceRoot,
		"max_emails", cfg.Mail.MaxEmails,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-mailer-lite stopped")
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport chooses the delivery backend. Suppressed sending always
// wins, so a test configuration never reaches a real relay.
func selectTransport(cfg *config.Config) (provider.Transport, error) {
	if cfg.Mail.SuppressSend {
		slog.Info("mail sending suppressed, printing messages to stdout")
		return stdout.New(), nil
	}

	switch cfg.Mail.Transport {
	case config.TransportSES:
		slog.Info("using AWS SES transport", "region", cfg.SES.Region)
		return ses.New(context.Background(), ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})

	default:
		slog.Info("using SMTP transport",
			"server", cfg.Mail.Server,
			"port", cfg.Mail.Port,
			"tls", cfg.Mail.UseTLS,
			"ssl", cfg.Mail.UseSSL,
			"auth_enabled", cfg.AuthEnabled(),
		)
		return smtp.New(smtp.Config{
			Host:          cfg.Mail.Server,
			Port:          cfg.Mail.Port,
			Username:      cfg.Mail.Username,
			Password:      cfg.Mail.Password,
			UseTLS:        cfg.Mail.UseTLS,
			UseSSL:        cfg.Mail.UseSSL,
			TLSSkipVerify: cfg.Mail.TLSSkipVerify,
			Debug:         cfg.Mail.Debug,
		}), nil
	}
}
