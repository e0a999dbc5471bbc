package transport

import (
	"context"
	"errors"
	"os"
	"path"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

const posixRenameExtension = "posix-rename@openssh.com"

// WriteFileAtomic writes data to target with the given mode. Readers see
// either the previous file or the complete new one: data goes to a sibling
// temp file that is renamed over target. suffix names the temp file; a
// random one is used when empty. Fails with domain.ErrTransfer.
func (s *Session) WriteFileAtomic(ctx context.Context, target string, data []byte, mode os.FileMode, suffix string) error {
	client, err := s.sftpClient()
	if err != nil {
		return domain.NewDeployError("WriteFile", "open SFTP subsystem: "+err.Error(), domain.ErrTransfer)
	}

	stop := context.AfterFunc(ctx, s.resetSFTP)
	defer stop()

	return writeFileAtomic(ctx, client, target, data, mode, suffix)
}

// TempName returns the sibling temp path used for target.
func TempName(target, suffix string) string {
	return path.Join(path.Dir(target), "."+path.Base(target)+".tmp-"+suffix)
}

func writeFileAtomic(ctx context.Context, client *sftp.Client, target string, data []byte, mode os.FileMode, suffix string) (err error) {
	if suffix == "" {
		suffix = uuid.NewString()
	}
	tmp := TempName(target, suffix)

	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return transferError(ctx, "WriteFile", "create "+path.Dir(target), err)
	}

	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return transferError(ctx, "WriteFile", "create temp file", err)
	}
	defer func() {
		if err != nil {
			_ = client.Remove(tmp)
		}
	}()

	// Restrict permissions before any content lands.
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return transferError(ctx, "WriteFile", "chmod temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return transferError(ctx, "WriteFile", "write temp file", err)
	}
	if err := f.Close(); err != nil {
		return transferError(ctx, "WriteFile", "close temp file", err)
	}

	if err := ctx.Err(); err != nil {
		return transferError(ctx, "WriteFile", "before rename", err)
	}

	if _, ok := client.HasExtension(posixRenameExtension); ok {
		if err := client.PosixRename(tmp, target); err != nil {
			return transferError(ctx, "WriteFile", "rename over "+target, err)
		}
		return nil
	}

	// Plain SFTP rename refuses to overwrite.
	if err := client.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return transferError(ctx, "WriteFile", "remove old "+target, err)
	}
	if err := client.Rename(tmp, target); err != nil {
		return transferError(ctx, "WriteFile", "rename over "+target, err)
	}
	return nil
}
