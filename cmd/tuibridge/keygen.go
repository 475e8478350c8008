package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/acolita/tuibridge/internal/adapters/realdialog"
	"github.com/acolita/tuibridge/internal/adapters/realfs"
	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/hostkey"
	"github.com/acolita/tuibridge/internal/ports"
	"github.com/acolita/tuibridge/internal/security"
)

var errKeepExisting = errors.New("existing host key kept")

type passphraseStore interface {
	IsEnabled() bool
	StorePassphrase(keyPath string, passphrase []byte) error
}

// keygenEnv carries the side effects of the keygen subcommand.
type keygenEnv struct {
	fs          ports.FileSystem
	dialog      ports.DialogProvider
	keyring     func() passphraseStore
	getenv      func(string) string
	interactive bool
	stdout      io.Writer
	stderr      io.Writer
}

func keygenMain(args []string) int {
	env := keygenEnv{
		fs:     realfs.New(),
		dialog: realdialog.New(os.Getenv("ACCESSIBLE") != ""),
		keyring: func() passphraseStore {
			return security.NewKeyringStore(slog.Default())
		},
		getenv:      os.Getenv,
		interactive: isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	if err := runKeygen(args, env); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		return 1
	}
	return 0
}

// runKeygen creates the server host key. Without -path it uses the
// host_key_path of the loaded configuration.
func runKeygen(args []string, env keygenEnv) error {
	var (
		configPath    string
		path          string
		force         bool
		passphraseEnv string
		askPassphrase bool
		storeKeyring  bool
	)

	flags := flag.NewFlagSet("tuibridge keygen", flag.ContinueOnError)
	flags.SetOutput(env.stderr)
	flags.StringVar(&configPath, "config", "", "Configuration file supplying host_key_path")
	flags.StringVar(&path, "path", "", "Where to write the private key (public key goes to PATH.pub)")
	flags.BoolVar(&force, "force", false, "Overwrite an existing key without asking")
	flags.StringVar(&passphraseEnv, "passphrase-env", "", "Encrypt the key with the passphrase in this environment variable")
	flags.BoolVar(&askPassphrase, "ask-passphrase", false, "Prompt for a passphrase to encrypt the key")
	flags.BoolVar(&storeKeyring, "store-keyring", false, "Save the passphrase in the system keyring")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if path == "" {
		if configPath == "" {
			configPath = existingDefaultConfig()
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Server.HostKeyPath
		if path == "" {
			path = config.DefaultConfig().Server.HostKeyPath
		}
	}

	if _, err := env.fs.Stat(path); err == nil && !force {
		if !env.interactive {
			return fmt.Errorf("%w: %s (use -force to replace it)", hostkey.ErrExists, path)
		}
		ok, err := env.dialog.Confirm(
			"Replace the host key at "+path+"?",
			"Clients that already trust this server will see a host key mismatch.",
		)
		if err != nil {
			return err
		}
		if !ok {
			return errKeepExisting
		}
		force = true
	}

	passphrase, err := keygenPassphrase(env, passphraseEnv, askPassphrase)
	if err != nil {
		return err
	}
	defer security.WipeBytes(passphrase)

	if storeKeyring && len(passphrase) == 0 {
		return errors.New("-store-keyring needs a passphrase")
	}

	pub, err := hostkey.Generate(env.fs, path, passphrase, force)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Wrote %s and %s.pub\n", path, path)
	fmt.Fprintf(env.stdout, "Fingerprint: %s\n", hostkey.Fingerprint(pub))

	if storeKeyring {
		ks := env.keyring()
		if !ks.IsEnabled() {
			return fmt.Errorf("key written but passphrase not stored: %w", security.ErrKeyringUnavailable)
		}
		if err := ks.StorePassphrase(path, passphrase); err != nil {
			return fmt.Errorf("key written but passphrase not stored: %w", err)
		}
		fmt.Fprintf(env.stdout, "Passphrase stored in keyring service %q; set server.use_keyring to use it\n", security.KeyringService)
	}
	return nil
}

func keygenPassphrase(env keygenEnv, fromEnv string, ask bool) ([]byte, error) {
	switch {
	case fromEnv != "":
		v := env.getenv(fromEnv)
		if v == "" {
			return nil, fmt.Errorf("environment variable %s is empty", fromEnv)
		}
		return []byte(v), nil
	case ask:
		if !env.interactive {
			return nil, errors.New("-ask-passphrase needs a terminal")
		}
		return env.dialog.Secret("Host key passphrase")
	}
	return nil, nil
}
