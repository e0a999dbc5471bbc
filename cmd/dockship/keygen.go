package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/artpar/dockship/internal/core/crypto"
	"github.com/artpar/dockship/internal/shell/credential"
	"github.com/spf13/cobra"
)

type keygenOptions struct {
	comment string
	out     string
	seal    bool
}

func newKeygenCmd(a *app) *cobra.Command {
	var opts keygenOptions

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 deploy key",
		Long: `Generate an Ed25519 deploy key and print its authorized_keys line.
The private key is written to --out, stored in the OS keyring with
--keyring-user, or both. With --seal it is encrypted with --encryption-key
first, and the sealed envelope can be used as auth.key_encrypted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runKeygen(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.comment, "comment", "dockship", "Key comment")
	flags.StringVar(&opts.out, "out", "", "Write the private key here and the public key to <out>.pub")
	flags.BoolVar(&opts.seal, "seal", false, "Encrypt the private key with the encryption key")
	flags.String("encryption-key", "", "Key used by --seal")
	flags.String("keyring-user", "", "Store the private key in the OS keyring under this name")

	return cmd
}

func (a *app) runKeygen(cmd *cobra.Command, opts keygenOptions) error {
	keyringUser := a.cfg.Auth.KeyringUser
	if opts.out == "" && keyringUser == "" {
		return &configError{err: errors.New("keygen needs --out or --keyring-user")}
	}
	if opts.seal && a.cfg.Auth.EncryptionKey == "" {
		return &configError{err: errors.New("--seal needs an encryption key")}
	}

	privateKey, authorizedKey, err := crypto.GenerateKeyPair(opts.comment)
	if err != nil {
		return err
	}
	fingerprint, err := crypto.PublicKeyFingerprint(privateKey, nil)
	if err != nil {
		return err
	}

	stored := privateKey
	if opts.seal {
		sealed, err := crypto.Seal(privateKey, crypto.ParseKey(a.cfg.Auth.EncryptionKey))
		if err != nil {
			return err
		}
		stored = []byte(sealed + "\n")
	}

	if opts.out != "" {
		if err := os.WriteFile(opts.out, stored, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(opts.out+".pub", []byte(authorizedKey), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		a.logger.Info("deploy key written", "path", opts.out, "sealed", opts.seal)
	}
	if keyringUser != "" {
		if err := credential.Store(a.cfg.Auth.KeyringService, keyringUser, stored); err != nil {
			return err
		}
		a.logger.Info("deploy key stored in keyring", "user", keyringUser, "sealed", opts.seal)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", fingerprint, authorizedKey)
	return err
}
