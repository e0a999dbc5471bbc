package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/shell/credential"
	"github.com/artpar/dockship/internal/shell/transport"
	"golang.org/x/crypto/ssh"
)

// EnvFlags are the secrets given on the command line.
type EnvFlags struct {
	Set  []string // KEY=VALUE
	From []string // NAME, read from the process environment
}

// Bindings merges the config env list with the command line secrets.
// Later entries replace earlier ones with the same name, keeping the
// position of the first. Values are read from the process environment
// here and nowhere else.
func (c *Config) Bindings(flags EnvFlags, getenv func(string) (string, bool)) ([]domain.Binding, error) {
	if getenv == nil {
		getenv = os.LookupEnv
	}

	var bindings []domain.Binding
	index := make(map[string]int)
	add := func(b domain.Binding) {
		if i, ok := index[b.Name]; ok {
			bindings[i] = b
			return
		}
		index[b.Name] = len(bindings)
		bindings = append(bindings, b)
	}
	fromEnv := func(name, variable string) (domain.Binding, error) {
		value, ok := getenv(variable)
		if !ok {
			return domain.Binding{}, fmt.Errorf("%w: %s: environment variable %s is not set",
				domain.ErrEnvInvalid, name, variable)
		}
		return domain.Binding{Name: name, Value: value}, nil
	}

	for _, e := range c.Env {
		b := domain.Binding{Name: e.Name, Value: e.Value}
		if e.From != "" {
			var err error
			if b, err = fromEnv(e.Name, e.From); err != nil {
				return nil, err
			}
		}
		add(b)
	}
	for _, name := range flags.From {
		b, err := fromEnv(name, name)
		if err != nil {
			return nil, err
		}
		add(b)
	}
	for _, kv := range flags.Set {
		b, err := domain.ParseBinding(kv)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrEnvInvalid, err)
		}
		add(b)
	}

	if err := domain.ValidateBindings(bindings); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEnvInvalid, err)
	}
	return bindings, nil
}

// CredentialSource returns the configured deploy key source.
func (c *Config) CredentialSource() credential.Source {
	return credential.Source{
		KeyEncrypted:   c.Auth.KeyEncrypted,
		EncryptionKey:  c.Auth.EncryptionKey,
		KeyEnv:         c.Auth.KeyEnv,
		KeyFile:        c.Auth.KeyFile,
		KeyringService: c.Auth.KeyringService,
		KeyringUser:    c.Auth.KeyringUser,
		Passphrase:     c.Auth.Passphrase,
	}
}

// HostKeyCallback builds the host key verifier.
func (c *Config) HostKeyCallback() (ssh.HostKeyCallback, error) {
	cb, err := transport.NewHostKeyCallback(transport.HostKeyConfig{
		Mode:           transport.HostKeyMode(c.HostKey.Mode),
		Pinned:         c.HostKey.Fingerprints,
		KnownHostsFile: c.HostKey.KnownHosts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return cb, nil
}

// DeploymentRequest builds and validates the request for one run from
// sourceRoot. The credential is loaded from its source.
func (c *Config) DeploymentRequest(sourceRoot string, secrets []domain.Binding) (domain.DeploymentRequest, error) {
	cred, err := c.CredentialSource().Load()
	if err != nil {
		return domain.DeploymentRequest{}, fmt.Errorf("%w: deploy key: %w", domain.ErrInvalidRequest, err)
	}

	root, err := filepath.Abs(sourceRoot)
	if err != nil {
		return domain.DeploymentRequest{}, fmt.Errorf("%w: source: %w", domain.ErrInvalidRequest, err)
	}

	return domain.NewDeploymentRequest(domain.DeploymentRequest{
		SourceRoot:       root,
		ExcludePatterns:  c.Sync.Exclude,
		KeepPatterns:     c.Sync.Keep,
		Host:             c.Target.Host,
		Port:             c.Target.Port,
		User:             c.Target.User,
		RemotePath:       c.Target.RemotePath,
		Credential:       cred,
		Secrets:          secrets,
		ComposeFiles:     c.Target.ComposeFiles,
		ProjectName:      c.Target.ProjectName,
		ConnectTimeout:   c.Timeouts.Connect,
		CommandTimeout:   c.Timeouts.Command,
		SyncTimeout:      c.Timeouts.Sync,
		BuildTimeout:     c.Timeouts.Build,
		SettleDelay:      c.Verify.SettleDelay,
		SuccessTailLines: c.Verify.SuccessTail,
		FailureTailLines: c.Verify.FailureTail,
	})
}
