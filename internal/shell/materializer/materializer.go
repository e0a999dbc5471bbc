// Package materializer writes the EnvFile of a deployment onto the remote
// host. The file is rendered and validated locally first, then replaced
// atomically, so compose reads either the old file or the complete new one.
package materializer

import (
	"context"
	"log/slog"
	"os"
	"path"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/envfile"
)

// FileMode of the written EnvFile.
const FileMode os.FileMode = 0o600

// Writer is the part of a transport session the materializer needs.
type Writer interface {
	WriteFileAtomic(ctx context.Context, target string, data []byte, mode os.FileMode, suffix string) error
}

// Materializer renders bindings into {remotePath}/.env.
type Materializer struct {
	logger *slog.Logger
}

// New creates a Materializer.
func New(logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger.With("component", "materializer")}
}

// Write renders bindings and atomically replaces {remotePath}/.env with
// mode 0600. Nothing is written when rendering fails. runID names the
// temp file. Fails with domain.ErrEnvInvalid or domain.ErrTransfer.
func (m *Materializer) Write(ctx context.Context, w Writer, remotePath string, bindings []domain.Binding, runID string) error {
	text, err := envfile.Render(bindings)
	if err != nil {
		return err
	}

	target := path.Join(remotePath, domain.EnvFileName)
	if err := w.WriteFileAtomic(ctx, target, []byte(text), FileMode, runID); err != nil {
		return err
	}

	// Key names only; values never reach the log.
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.Name)
	}
	m.logger.Info("env file written", "path", target, "keys", names, "bytes", len(text))
	return nil
}
