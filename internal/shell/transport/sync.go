package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/exclude"
	"github.com/pkg/sftp"
)

// SyncOptions controls a mirror sync.
type SyncOptions struct {
	// Exclude paths are neither uploaded nor left on the remote.
	Exclude *exclude.Matcher
	// Keep paths on the remote are never deleted, e.g. bind-mounted data.
	Keep *exclude.Matcher
	// Protect lists exact relative paths that are neither uploaded nor
	// deleted. The materialized EnvFile goes here.
	Protect []string
}

func (o SyncOptions) protected(rel string) bool {
	for _, p := range o.Protect {
		if p == rel {
			return true
		}
	}
	return false
}

// =============================================================================
// Mirror Sync
// =============================================================================

// Sync mirrors localRoot onto remotePath over SFTP. Afterwards remotePath
// holds exactly the non-excluded local files, plus kept and protected paths.
// Fails with domain.ErrTransfer, or domain.ErrTimeout when ctx expires.
func (s *Session) Sync(ctx context.Context, localRoot, remotePath string, opts SyncOptions) (domain.SyncResult, error) {
	client, err := s.sftpClient()
	if err != nil {
		return domain.SyncResult{}, domain.NewDeployError("Sync", "open SFTP subsystem: "+err.Error(), domain.ErrTransfer)
	}

	// sftp calls are not context aware; closing the client unblocks them.
	stop := context.AfterFunc(ctx, s.resetSFTP)
	defer stop()

	return syncTree(ctx, client, localRoot, remotePath, opts, s.logger)
}

func (s *Session) resetSFTP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
}

type localEntry struct {
	rel  string
	abs  string
	info fs.FileInfo
}

func syncTree(ctx context.Context, client *sftp.Client, localRoot, remotePath string, opts SyncOptions, logger *slog.Logger) (domain.SyncResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var result domain.SyncResult
	// Walk yields cleaned paths; relative names are cut from a cleaned root.
	remotePath = path.Clean(remotePath)

	dirs, files, err := scanLocal(localRoot, opts, logger)
	if err != nil {
		return result, domain.NewDeployError("Sync", err.Error(), domain.ErrTransfer)
	}

	if err := client.MkdirAll(remotePath); err != nil {
		return result, transferError(ctx, "Sync", "create "+remotePath, err)
	}

	remoteDirs, remoteFiles, err := scanRemote(client, remotePath, opts)
	if err != nil {
		return result, transferError(ctx, "Sync", "list "+remotePath, err)
	}

	// Directories, parents first.
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return result, transferError(ctx, "Sync", "sync", err)
		}
		target := path.Join(remotePath, d)
		if _, ok := remoteFiles[d]; ok {
			// A file or symlink where a directory belongs.
			if err := client.Remove(target); err != nil {
				return result, transferError(ctx, "Sync", "replace "+target, err)
			}
			delete(remoteFiles, d)
		}
		if _, ok := remoteDirs[d]; ok {
			continue
		}
		if err := client.MkdirAll(target); err != nil {
			return result, transferError(ctx, "Sync", "mkdir "+target, err)
		}
		remoteDirs[d] = struct{}{}
	}

	// Files.
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, transferError(ctx, "Sync", "sync", err)
		}
		target := path.Join(remotePath, f.rel)

		if _, isDir := remoteDirs[f.rel]; isDir {
			if err := client.RemoveAll(target); err != nil {
				return result, transferError(ctx, "Sync", "replace "+target, err)
			}
			forgetTree(remoteDirs, f.rel)
			forgetTree(remoteFiles, f.rel)
		}

		remote, ok := remoteFiles[f.rel]
		if ok && unchanged(f.info, remote) {
			same, err := sameContent(client, f.abs, target)
			if err != nil {
				return result, transferError(ctx, "Sync", "compare "+f.rel, err)
			}
			if same {
				result.FilesUnchanged++
				continue
			}
		}
		if ok && remote.Mode()&os.ModeSymlink != 0 {
			if err := client.Remove(target); err != nil {
				return result, transferError(ctx, "Sync", "replace "+target, err)
			}
		}

		n, err := upload(client, f, target)
		if err != nil {
			return result, transferError(ctx, "Sync", "upload "+f.rel, err)
		}
		result.FilesTransferred++
		result.BytesTransferred += n
	}

	// Remote-only and excluded files.
	local := make(map[string]struct{}, len(files))
	for _, f := range files {
		local[f.rel] = struct{}{}
	}
	for _, rel := range sortedKeys(remoteFiles) {
		if err := ctx.Err(); err != nil {
			return result, transferError(ctx, "Sync", "sync", err)
		}
		if _, ok := local[rel]; ok {
			continue
		}
		if opts.protected(rel) || opts.Keep.Match(rel, false) {
			continue
		}
		target := path.Join(remotePath, rel)
		if err := client.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, transferError(ctx, "Sync", "delete "+target, err)
		}
		result.DeletedRemoteOnly++
		logger.Debug("deleted remote file", "path", rel)
	}

	// Empty remote-only directories, deepest first.
	localDirs := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		localDirs[d] = struct{}{}
	}
	stale := make([]string, 0)
	for d := range remoteDirs {
		if _, ok := localDirs[d]; ok {
			continue
		}
		if opts.protected(d) || opts.Keep.Match(d, true) {
			continue
		}
		stale = append(stale, d)
	}
	sort.Slice(stale, func(i, j int) bool { return len(stale[i]) > len(stale[j]) })
	for _, d := range stale {
		// Fails harmlessly when kept content remains inside.
		_ = client.RemoveDirectory(path.Join(remotePath, d))
	}

	return result, nil
}

// scanLocal walks localRoot and returns directories (parents first) and
// files to upload, as slash paths relative to localRoot.
func scanLocal(localRoot string, opts SyncOptions, logger *slog.Logger) ([]string, []localEntry, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, nil, err
	}
	if info, err := os.Stat(root); err != nil {
		return nil, nil, fmt.Errorf("source tree: %w", err)
	} else if !info.IsDir() {
		return nil, nil, fmt.Errorf("source tree %s is not a directory", root)
	}

	var dirs []string
	var files []localEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if opts.Exclude.Match(rel, true) || opts.protected(rel) {
				return filepath.SkipDir
			}
			dirs = append(dirs, rel)
			return nil
		}
		if opts.Exclude.Match(rel, false) || opts.protected(rel) {
			return nil
		}

		// Symlinks are uploaded as their target contents.
		info, err := os.Stat(p)
		if err != nil {
			logger.Warn("skipping unreadable file", "path", rel, "error", err)
			return nil
		}
		if info.IsDir() {
			logger.Warn("skipping symlinked directory", "path", rel)
			return nil
		}
		if !info.Mode().IsRegular() {
			logger.Warn("skipping special file", "path", rel, "mode", info.Mode().String())
			return nil
		}
		files = append(files, localEntry{rel: rel, abs: p, info: info})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}

// scanRemote lists everything below remotePath without following symlinks.
// Kept directories are recorded but not descended into.
func scanRemote(client *sftp.Client, remotePath string, opts SyncOptions) (map[string]struct{}, map[string]os.FileInfo, error) {
	dirs := make(map[string]struct{})
	files := make(map[string]os.FileInfo)

	walker := client.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, nil, err
		}
		p := walker.Path()
		if p == remotePath {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, remotePath), "/")
		if walker.Stat().IsDir() {
			dirs[rel] = struct{}{}
			if opts.Keep.Match(rel, true) {
				walker.SkipDir()
			}
		} else {
			files[rel] = walker.Stat()
		}
	}
	return dirs, files, nil
}

// unchanged compares size and whole-second mtime, the resolution SFTP keeps.
// A match is only a candidate: sameContent decides.
func unchanged(local, remote os.FileInfo) bool {
	return remote.Mode().IsRegular() &&
		local.Size() == remote.Size() &&
		local.ModTime().Unix() == remote.ModTime().Unix()
}

// sameContent reports whether the local file and the remote file hash equal.
func sameContent(client *sftp.Client, localPath, remotePath string) (bool, error) {
	localSum, err := hashFile(func() (io.ReadCloser, error) { return os.Open(localPath) })
	if err != nil {
		return false, err
	}
	remoteSum, err := hashFile(func() (io.ReadCloser, error) { return client.Open(remotePath) })
	if err != nil {
		return false, err
	}
	return bytes.Equal(localSum, remoteSum), nil
}

func hashFile(open func() (io.ReadCloser, error)) ([]byte, error) {
	f, err := open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func upload(client *sftp.Client, f localEntry, target string) (int64, error) {
	src, err := os.Open(f.abs)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := client.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, err
	}
	counter := &copyCounter{w: dst}
	if _, err := io.Copy(counter, src); err != nil {
		dst.Close()
		return counter.n, err
	}
	if err := dst.Close(); err != nil {
		return counter.n, err
	}
	if err := client.Chmod(target, f.info.Mode().Perm()); err != nil {
		return counter.n, err
	}
	mtime := f.info.ModTime()
	if err := client.Chtimes(target, mtime, mtime); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

func transferError(ctx context.Context, op, msg string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return domain.NewDeployError(op, msg+": timed out", domain.ErrTimeout)
	} else if ctxErr != nil {
		return &domain.DeployError{Op: op, Message: msg + ": cancelled", Err: errors.Join(domain.ErrTransfer, ctxErr)}
	}
	return domain.NewDeployError(op, fmt.Sprintf("%s: %v", msg, err), domain.ErrTransfer)
}

// forgetTree drops rel and everything below it from m.
func forgetTree[V any](m map[string]V, rel string) {
	delete(m, rel)
	for k := range m {
		if strings.HasPrefix(k, rel+"/") {
			delete(m, k)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
