// Package domain contains the core value types of a deployment run.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// Request Validation Errors
// =============================================================================

var (
	ErrSourceRootRequired = errors.New("source tree root is required")
	ErrHostRequired       = errors.New("remote host is required")
	ErrHostInvalid        = errors.New("remote host must be a valid hostname or IP address")
	ErrPortInvalid        = errors.New("SSH port must be between 1 and 65535")
	ErrUserRequired       = errors.New("remote user is required")
	ErrRemotePathInvalid  = errors.New("remote path must be absolute and not the filesystem root")
	ErrTimeoutInvalid     = errors.New("timeouts must be positive")
	ErrTailInvalid        = errors.New("log tail line counts must be positive")
	ErrCredentialRequired = errors.New("credential is required")

	ErrBindingKeyInvalid   = errors.New("binding name must match [A-Za-z_][A-Za-z0-9_]*")
	ErrBindingKeyDuplicate = errors.New("binding name is defined more than once")
	ErrBindingValueInvalid = errors.New("binding value must not contain newlines, NUL or unbalanced quotes")
)

// hostnameRegex matches RFC 1123 hostnames.
var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

var bindingKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// =============================================================================
// Bindings
// =============================================================================

// Binding is one named secret or configuration value destined for the EnvFile.
type Binding struct {
	Name  string
	Value string
}

// LogValue keeps binding values out of logs.
func (b Binding) LogValue() slog.Value {
	return slog.StringValue(b.Name + "=[redacted]")
}

// Validate checks that the binding renders to exactly one parseable line.
func (b Binding) Validate() error {
	if !bindingKeyRegex.MatchString(b.Name) {
		return fmt.Errorf("%w: %q", ErrBindingKeyInvalid, b.Name)
	}
	if strings.ContainsAny(b.Value, "\n\r\x00") {
		return fmt.Errorf("%w: %s", ErrBindingValueInvalid, b.Name)
	}
	if unbalancedQuote(b.Value) {
		return fmt.Errorf("%w: %s", ErrBindingValueInvalid, b.Name)
	}
	return nil
}

// unbalancedQuote reports whether a value opens a quoted string that the
// dotenv parser would try to continue onto the next line.
func unbalancedQuote(value string) bool {
	if value == "" {
		return false
	}
	q := value[0]
	if q != '"' && q != '\'' {
		return false
	}
	if len(value) == 1 || value[len(value)-1] != q {
		return true
	}
	return false
}

// ValidateBindings validates every binding and rejects duplicate names.
func ValidateBindings(bindings []Binding) error {
	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("%w: %s", ErrBindingKeyDuplicate, b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// ParseBinding parses a KEY=VALUE string.
func ParseBinding(s string) (Binding, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return Binding{}, fmt.Errorf("%w: expected KEY=VALUE, got %q", ErrBindingKeyInvalid, name)
	}
	b := Binding{Name: strings.TrimSpace(name), Value: value}
	if err := b.Validate(); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// =============================================================================
// Credential
// =============================================================================

// Credential is the private key material for one remote session.
// It formats as "[redacted]" everywhere.
type Credential struct {
	privateKey []byte
	passphrase []byte
}

// NewCredential copies the key material into a new Credential.
func NewCredential(privateKey, passphrase []byte) Credential {
	return Credential{
		privateKey: slices.Clone(privateKey),
		passphrase: slices.Clone(passphrase),
	}
}

// PrivateKey returns the PEM encoded private key.
func (c Credential) PrivateKey() []byte { return c.privateKey }

// Passphrase returns the key passphrase, or nil.
func (c Credential) Passphrase() []byte { return c.passphrase }

// IsZero reports whether no key material is present.
func (c Credential) IsZero() bool { return len(c.privateKey) == 0 }

// Clone returns an independent copy, so concurrent runs never share buffers.
func (c Credential) Clone() Credential { return NewCredential(c.privateKey, c.passphrase) }

func (c Credential) String() string { return "[redacted]" }

// GoString keeps %#v from printing key bytes.
func (c Credential) GoString() string { return "domain.Credential{[redacted]}" }

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// =============================================================================
// Deployment Request
// =============================================================================

// Defaults applied by NewDeploymentRequest when a field is zero.
const (
	DefaultSSHPort          = 22
	DefaultConnectTimeout   = 15 * time.Second
	DefaultCommandTimeout   = 2 * time.Minute
	DefaultSyncTimeout      = 10 * time.Minute
	DefaultBuildTimeout     = 20 * time.Minute
	DefaultSettleDelay      = 10 * time.Second
	DefaultSuccessTailLines = 20
	DefaultFailureTailLines = 100
	EnvFileName             = ".env"
)

// DeploymentRequest carries every input of one pipeline run.
// It is built once by NewDeploymentRequest and treated as read-only after.
type DeploymentRequest struct {
	SourceRoot      string
	ExcludePatterns []string
	KeepPatterns    []string

	Host       string
	Port       int
	User       string
	RemotePath string
	Credential Credential

	Secrets []Binding

	ComposeFiles []string
	ProjectName  string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	SyncTimeout    time.Duration
	BuildTimeout   time.Duration

	SettleDelay      time.Duration
	SuccessTailLines int
	FailureTailLines int

	Revision string
}

// Address returns host:port.
func (r DeploymentRequest) Address() string {
	return net.JoinHostPort(r.Host, fmt.Sprintf("%d", r.Port))
}

// Target returns user@host:remotePath, the identity of a deployment target.
func (r DeploymentRequest) Target() string {
	return r.User + "@" + r.Host + ":" + r.RemotePath
}

// EnvFilePath returns the remote path of the materialized EnvFile.
func (r DeploymentRequest) EnvFilePath() string {
	return path.Join(r.RemotePath, EnvFileName)
}

// WithRevision returns a copy of the request stamped with a source revision.
func (r DeploymentRequest) WithRevision(rev string) DeploymentRequest {
	r.Revision = rev
	return r.clone()
}

// WithProjectName returns a copy of the request with the compose project name set.
func (r DeploymentRequest) WithProjectName(name string) DeploymentRequest {
	r.ProjectName = name
	return r.clone()
}

func (r DeploymentRequest) clone() DeploymentRequest {
	r.ExcludePatterns = slices.Clone(r.ExcludePatterns)
	r.KeepPatterns = slices.Clone(r.KeepPatterns)
	r.Secrets = slices.Clone(r.Secrets)
	r.ComposeFiles = slices.Clone(r.ComposeFiles)
	r.Credential = r.Credential.Clone()
	return r
}

// NewDeploymentRequest applies defaults, validates, and returns an
// independent copy of the given request.
func NewDeploymentRequest(r DeploymentRequest) (DeploymentRequest, error) {
	r = r.clone()
	if r.RemotePath != "" {
		r.RemotePath = path.Clean(r.RemotePath)
	}
	applyDefaults(&r)

	if err := validateRequest(r); err != nil {
		return DeploymentRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return r, nil
}

func applyDefaults(r *DeploymentRequest) {
	if r.Port == 0 {
		r.Port = DefaultSSHPort
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
	if r.CommandTimeout == 0 {
		r.CommandTimeout = DefaultCommandTimeout
	}
	if r.SyncTimeout == 0 {
		r.SyncTimeout = DefaultSyncTimeout
	}
	if r.BuildTimeout == 0 {
		r.BuildTimeout = DefaultBuildTimeout
	}
	if r.SuccessTailLines == 0 {
		r.SuccessTailLines = DefaultSuccessTailLines
	}
	if r.FailureTailLines == 0 {
		r.FailureTailLines = DefaultFailureTailLines
	}
}

func validateRequest(r DeploymentRequest) error {
	if strings.TrimSpace(r.SourceRoot) == "" {
		return ErrSourceRootRequired
	}
	if r.Host == "" {
		return ErrHostRequired
	}
	if net.ParseIP(r.Host) == nil && !hostnameRegex.MatchString(r.Host) {
		return ErrHostInvalid
	}
	if r.Port < 1 || r.Port > 65535 {
		return ErrPortInvalid
	}
	if strings.TrimSpace(r.User) == "" {
		return ErrUserRequired
	}
	if !path.IsAbs(r.RemotePath) || path.Clean(r.RemotePath) == "/" {
		return ErrRemotePathInvalid
	}
	if r.Credential.IsZero() {
		return ErrCredentialRequired
	}
	if r.ConnectTimeout < 0 || r.CommandTimeout < 0 || r.SyncTimeout < 0 || r.BuildTimeout < 0 || r.SettleDelay < 0 {
		return ErrTimeoutInvalid
	}
	if r.SuccessTailLines < 0 || r.FailureTailLines < 0 {
		return ErrTailInvalid
	}
	return ValidateBindings(r.Secrets)
}
