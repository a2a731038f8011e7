// Package seal keeps the store file encrypted at rest with age. The plaintext
// store is opened from the sealed copy before a run and sealed again after a
// successful commit.
package seal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/term"
)

// ErrReseal means the store was persisted but could not be sealed again. The
// plaintext store is left in place.
var ErrReseal = errors.New("store persisted but sealing failed")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const scryptHeader = "age-encryption.org/v1"

// PassphraseFunc supplies the passphrase of a protected identity file
type PassphraseFunc func() (string, error)

// Options configures a Sealer
type Options struct {
	SealedPath     string
	RecipientsFile string
	IdentityFile   string
	Compress       bool
	Passphrase     PassphraseFunc
}

// Sealer encrypts and decrypts the store file
type Sealer struct {
	opts Options
}

// New creates a Sealer
func New(opts Options) *Sealer {
	if opts.Passphrase == nil {
		opts.Passphrase = TerminalPassphrase
	}
	return &Sealer{opts: opts}
}

// TerminalPassphrase prompts on the controlling terminal, or reads
// SHIELD_PASSPHRASE when stdin is not a terminal
func TerminalPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if p := os.Getenv("SHIELD_PASSPHRASE"); p != "" {
			return p, nil
		}
		return "", fmt.Errorf("identity is passphrase protected and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// Open decrypts the sealed copy into plainPath. It does nothing when the
// plaintext store already exists or nothing was sealed yet, and reports
// whether a file was written.
func (s *Sealer) Open(plainPath string) (bool, error) {
	if _, err := os.Stat(plainPath); err == nil {
		return false, nil
	}

	in, err := os.Open(s.opts.SealedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening sealed store: %w", err)
	}
	defer in.Close()

	identity, err := s.loadIdentity()
	if err != nil {
		return false, err
	}

	dec, err := age.Decrypt(in, identity)
	if err != nil {
		return false, fmt.Errorf("decrypting sealed store: %w", err)
	}

	br := bufio.NewReader(dec)
	var src io.Reader = br
	if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return false, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	if err := writeAtomic(plainPath, 0600, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return false, fmt.Errorf("writing store: %w", err)
	}
	return true, nil
}

// Seal encrypts plainPath to the sealed path. Every failure wraps ErrReseal.
func (s *Sealer) Seal(plainPath string) error {
	recipients, err := s.loadRecipients()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReseal, err)
	}

	in, err := os.Open(plainPath)
	if err != nil {
		return fmt.Errorf("%w: opening store: %v", ErrReseal, err)
	}
	defer in.Close()

	err = writeAtomic(s.opts.SealedPath, 0600, func(w io.Writer) error {
		enc, err := age.Encrypt(w, recipients...)
		if err != nil {
			return fmt.Errorf("creating encrypted writer: %w", err)
		}

		if s.opts.Compress {
			zw, err := zstd.NewWriter(enc)
			if err != nil {
				return fmt.Errorf("creating zstd encoder: %w", err)
			}
			if _, err := io.Copy(zw, in); err != nil {
				zw.Close()
				return fmt.Errorf("compressing store: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("finalizing compression: %w", err)
			}
		} else if _, err := io.Copy(enc, in); err != nil {
			return fmt.Errorf("encrypting store: %w", err)
		}

		if err := enc.Close(); err != nil {
			return fmt.Errorf("finalizing encryption: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReseal, err)
	}
	return nil
}

// GenerateIdentity writes a new X25519 identity, optionally protected with a
// passphrase, and its recipient next to it
func GenerateIdentity(identityPath, recipientsPath, passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(identityPath), 0700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	err = writeAtomic(identityPath, 0600, func(w io.Writer) error {
		if passphrase == "" {
			_, err := io.WriteString(w, identity.String()+"\n")
			return err
		}
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return fmt.Errorf("creating scrypt recipient: %w", err)
		}
		enc, err := age.Encrypt(w, recipient)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(enc, identity.String()+"\n"); err != nil {
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}

	if recipientsPath != "" {
		if err := os.WriteFile(recipientsPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
			return fmt.Errorf("writing recipients: %w", err)
		}
	}
	return nil
}

func (s *Sealer) loadRecipients() ([]age.Recipient, error) {
	if s.opts.RecipientsFile != "" {
		data, err := os.ReadFile(s.opts.RecipientsFile)
		if err != nil {
			return nil, fmt.Errorf("reading recipients: %w", err)
		}
		recipients, err := age.ParseRecipients(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parsing recipients: %w", err)
		}
		return recipients, nil
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return nil, err
	}
	x, ok := identity.(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("identity cannot derive a recipient; set recipients_file")
	}
	return []age.Recipient{x.Recipient()}, nil
}

func (s *Sealer) loadIdentity() (age.Identity, error) {
	if s.opts.IdentityFile == "" {
		return nil, fmt.Errorf("no identity file configured")
	}

	data, err := os.ReadFile(s.opts.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	if strings.HasPrefix(string(data), scryptHeader) {
		passphrase, err := s.opts.Passphrase()
		if err != nil {
			return nil, err
		}
		scrypt, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		dec, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("unlocking identity: %w", err)
		}
		if data, err = io.ReadAll(dec); err != nil {
			return nil, fmt.Errorf("reading unlocked identity: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", s.opts.IdentityFile)
	}
	return identities[0], nil
}

// writeAtomic writes through a temporary file in the target directory and
// renames it into place
func writeAtomic(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
