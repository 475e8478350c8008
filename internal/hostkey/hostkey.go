// Package hostkey loads and generates the server's SSH host identity.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/tuibridge/internal/ports"
)

var (
	// ErrNotFound is returned when the host key file does not exist.
	ErrNotFound = errors.New("host key not found")
	// ErrPassphraseRequired is returned for an encrypted key loaded without a passphrase.
	ErrPassphraseRequired = errors.New("host key is encrypted and no passphrase was provided")
	// ErrExists is returned by Generate when the key exists and overwrite is off.
	ErrExists = errors.New("host key already exists")
)

// DefaultComment is written into generated keys.
const DefaultComment = "tuibridge host key"

// Load reads an OpenSSH or PEM private key from path. passphrase may be nil
// for unencrypted keys.
func Load(fsys ports.FileSystem, path string, passphrase []byte) (ssh.Signer, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (create one with: tuibridge keygen -path %s)", ErrNotFound, path, path)
		}
		return nil, fmt.Errorf("read host key: %w", err)
	}

	var signer ssh.Signer
	if len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrPassphraseRequired, path)
		}
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

// Generate writes a new ed25519 key to path (mode 0600) and its public half
// to path.pub (mode 0644). A non-empty passphrase encrypts the private key.
func Generate(fsys ports.FileSystem, path string, passphrase []byte, overwrite bool) (ssh.PublicKey, error) {
	if !overwrite {
		if _, err := fsys.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	var block *pem.Block
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, DefaultComment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(priv, DefaultComment)
	}
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	if err := writeFile(fsys, path, pem.EncodeToMemory(block), flags, 0o600); err != nil {
		return nil, err
	}
	if err := writeFile(fsys, path+".pub", ssh.MarshalAuthorizedKey(sshPub), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644); err != nil {
		return nil, err
	}
	return sshPub, nil
}

func writeFile(fsys ports.FileSystem, path string, data []byte, flags int, perm fs.FileMode) error {
	f, err := fsys.OpenFile(path, flags, perm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Fingerprint returns the SHA256 fingerprint clients display for key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}
