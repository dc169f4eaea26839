// Package main runs a local SMTP sink that prints every message it accepts.
// Point the mailer's mail_server and mail_port at it during development.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shineum/smtp-mailer-lite/internal/provider/stdout"
	"github.com/shineum/smtp-mailer-lite/internal/sink"
	sinktls "github.com/shineum/smtp-mailer-lite/internal/tls"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2525", "address to listen on")
	hostname := flag.String("hostname", "localhost", "hostname announced in the greeting")
	username := flag.String("user", "", "require SMTP AUTH with this username")
	password := flag.String("pass", "", "password for -user")
	startTLS := flag.Bool("tls", false, "offer STARTTLS")
	certFile := flag.String("cert", "", "TLS certificate file (self-signed when empty)")
	keyFile := flag.String("key", "", "TLS key file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var tlsConfig *tls.Config
	if *startTLS {
		var err error
		tlsConfig, err = sinktls.ServerConfig(*certFile, *keyFile, *hostname)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
	}

	// Messages go to stdout, logs to stderr.
	var mu sync.Mutex
	backend := sink.BackendFunc(func(_ context.Context, env *sink.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		slog.Info("message received",
			"conn", env.Conn,
			"from", env.From,
			"to", env.To,
			"size", len(env.Data),
		)
		return stdout.Render(os.Stdout, env.Message)
	})

	srv := sink.New(sink.Config{
		Addr:      *addr,
		Hostname:  *hostname,
		Backend:   backend,
		TLSConfig: tlsConfig,
		Username:  *username,
		Password:  *password,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("sink error", "error", err)
		os.Exit(1)
	}
	slog.Info("mailsink stopped")
}
