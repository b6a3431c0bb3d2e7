// Command hub runs the agentide hub: a local HTTP(S)/WebSocket server that
// schedules and multiplexes Claude Code sessions across local and remote
// workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/agentide/hub/internal/config"
	"github.com/agentide/hub/internal/hub"
	"github.com/agentide/hub/internal/license"
	"github.com/agentide/hub/internal/logging"
)

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "activate":
		err = runActivate(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "hub:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  hub start [--port N] [--host H] [--tls] [--cert PATH] [--key PATH] [--self-signed] [--no-auth]
  hub activate <licenseKey>`)
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port (overrides PORT)")
	host := fs.String("host", "", "listen host (overrides HOST)")
	tlsEnabled := fs.Bool("tls", false, "serve HTTPS")
	cert := fs.String("cert", "", "TLS certificate path")
	key := fs.String("key", "", "TLS key path")
	selfSigned := fs.Bool("self-signed", false, "generate a self-signed certificate if none exists")
	noAuth := fs.Bool("no-auth", false, "disable the auth gate regardless of bind address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *tlsEnabled {
		cfg.TLSEnabled = true
	}
	if *cert != "" {
		cfg.TLSCertPath = *cert
	}
	if *key != "" {
		cfg.TLSKeyPath = *key
	}
	if *selfSigned {
		cfg.TLSSelfSigned = true
	}
	if *noAuth {
		cfg.NoAuth = true
	}

	printBanner(cfg)

	h, err := hub.New(cfg)
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("hub stopped: %w", err)
		}
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "hub: received signal %v, shutting down\n", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.Stop(ctx)
}

// printBanner writes a short startup summary with ANSI highlighting only
// when stdout is an interactive terminal, so piped/logged output stays
// plain.
func printBanner(cfg *config.Config) {
	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(os.Stdout, "agentide hub listening on %s\n", addr)
		return
	}
	const bold = "\033[1m"
	const reset = "\033[0m"
	fmt.Fprintf(os.Stdout, "%sagentide hub%s listening on %s%s%s\n", bold, reset, bold, addr, reset)
}

func runActivate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: hub activate <licenseKey>")
	}
	key := args[0]

	validator, err := license.NewValidator()
	if err != nil {
		return fmt.Errorf("build license validator: %w", err)
	}
	if _, err := validator.Validate(key); err != nil {
		return fmt.Errorf("invalid license key: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LicensePath), 0o755); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}
	if err := os.WriteFile(cfg.LicensePath, []byte(key), 0o600); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}

	fmt.Printf("license activated, key stored at %s\n", cfg.LicensePath)
	return nil
}
