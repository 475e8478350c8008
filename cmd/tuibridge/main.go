// tuibridge serves an interactive terminal program to SSH clients, one
// program instance per session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acolita/tuibridge/internal/adapters/realclock"
	"github.com/acolita/tuibridge/internal/adapters/realfs"
	"github.com/acolita/tuibridge/internal/admin"
	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/hostkey"
	"github.com/acolita/tuibridge/internal/logging"
	"github.com/acolita/tuibridge/internal/recording"
	"github.com/acolita/tuibridge/internal/security"
	"github.com/acolita/tuibridge/internal/server"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// shutdownSlack is added to the session grace period when draining on exit.
const shutdownSlack = 5 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		os.Exit(keygenMain(os.Args[2:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		configPath  string
		showVersion bool
		debug       bool
	)

	flags := flag.NewFlagSet("tuibridge", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&configPath, "config", "", "Path to configuration file (default "+config.DefaultConfigPath()+" if present)")
	flags.BoolVar(&showVersion, "version", false, "Show version information")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging, including forwarded bytes")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tuibridge [flags]\n       tuibridge keygen [flags]\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "tuibridge version %s\n", Version)
		fmt.Fprintf(stdout, "  Build time: %s\n", BuildTime)
		fmt.Fprintf(stdout, "  Git commit: %s\n", GitCommit)
		return 0
	}

	if configPath == "" {
		configPath = existingDefaultConfig()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:    cfg.Logging.Level,
		Sanitize: cfg.Logging.Sanitize,
		File:     cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	logger := slog.Default()

	fsys := realfs.New()
	passphrase, err := hostKeyPassphrase(cfg.Server, os.Getenv, func() passphraseSource {
		return security.NewKeyringStore(logger)
	})
	if err != nil {
		logger.Error("host key passphrase unavailable", slog.String("error", err.Error()))
		return 1
	}
	signer, err := hostkey.Load(fsys, cfg.Server.HostKeyPath, passphrase)
	security.WipeBytes(passphrase)
	if err != nil {
		logger.Error("cannot load host key", slog.String("error", err.Error()))
		return 1
	}

	recordings := recording.NewManager(cfg.Recording.Path, cfg.Recording.Enabled, fsys, realclock.New())
	srv, err := server.New(cfg, signer,
		server.WithLogger(logger),
		server.WithRecordings(recordings),
	)
	if err != nil {
		logger.Error("cannot create server", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("starting tuibridge",
		slog.String("version", Version),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("program", cfg.Program.Path),
		slog.String("host_key_fingerprint", hostkey.Fingerprint(signer.PublicKey())),
	)

	var configWatcher *config.Watcher
	if configPath != "" {
		configWatcher, err = config.NewWatcher(configPath, logger, func(newCfg *config.Config) {
			if debug {
				newCfg.Logging.Level = "debug"
			}
			srv.UpdateConfig(newCfg)
		})
		if err != nil {
			logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			logger.Info("config hot-reload enabled", slog.String("path", configPath))
			defer configWatcher.Close()
		}
	}

	var adminSrv *http.Server
	if cfg.Admin.Addr != "" {
		adminSrv = admin.NewServer(cfg.Admin.Addr, srv.Registry(), logger, admin.WithVersion(Version))
		go func() {
			logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API stopped", slog.String("error", err.Error()))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	code := 0
	select {
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			code = 1
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.Config().Session.GracePeriod+shutdownSlack)
	defer cancel()
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API shutdown", slog.String("error", err.Error()))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		code = 1
	}
	logger.Info("tuibridge stopped")
	return code
}

// existingDefaultConfig returns the default config path when the file exists,
// otherwise "" so the defaults and environment apply.
func existingDefaultConfig() string {
	path := config.DefaultConfigPath()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

type passphraseSource interface {
	IsEnabled() bool
	Passphrase(keyPath string) ([]byte, error)
}

// hostKeyPassphrase resolves the host key passphrase: the environment
// variable named by host_key_passphrase_env wins, then the keyring when
// use_keyring is set. A nil result means the key is not encrypted.
func hostKeyPassphrase(sc config.ServerConfig, getenv func(string) string, keyring func() passphraseSource) ([]byte, error) {
	if sc.HostKeyPassphraseEnv != "" {
		if v := getenv(sc.HostKeyPassphraseEnv); v != "" {
			return []byte(v), nil
		}
	}
	if !sc.UseKeyring {
		return nil, nil
	}
	ks := keyring()
	if !ks.IsEnabled() {
		return nil, security.ErrKeyringUnavailable
	}
	return ks.Passphrase(sc.HostKeyPath)
}
