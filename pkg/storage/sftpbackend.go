package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"
	"fileferry/pkg/shared"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// SFTPConnection is a directory on an SFTP server. The location path is
// relative to the login directory unless it starts with a second slash.
type SFTPConnection struct {
	base
	client sftpClient
	root   string
	dial   func(ctx context.Context, cfg *endpoint.Config, log *logger.Logger) (sftpClient, error)
}

func NewSFTPConnection(cfg *endpoint.Config, log *logger.Logger) *SFTPConnection {
	return &SFTPConnection{
		base: newBase(cfg, log),
		dial: dialSFTP,
	}
}

func (s *SFTPConnection) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if err := s.loadKeys(); err != nil {
		return err
	}

	client, err := s.dial(ctx, s.cfg, s.log)
	if err != nil {
		return err
	}

	root := s.cfg.Path
	if !strings.HasPrefix(root, "/") {
		home, err := client.Getwd()
		if err != nil {
			_ = client.Close()
			return newError(s.cfg, ErrorTypeNetworkError, "connect", errors.Errorf("resolve home directory: %w", err))
		}
		root = path.Join(home, root)
	}

	s.client = client
	s.root = path.Clean(root)
	s.log.Info("SFTP session established", map[string]any{"root": s.root})
	return nil
}

func (s *SFTPConnection) Disconnect() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return newError(s.cfg, ErrorTypeNetworkError, "disconnect", err)
	}
	return nil
}

func (s *SFTPConnection) getClient(op string) (sftpClient, error) {
	if s.client == nil {
		return nil, newError(s.cfg, ErrorTypeInternal, op, ErrNotConnected)
	}
	return s.client, nil
}

func (s *SFTPConnection) resolve(folder string) string {
	folder = strings.ReplaceAll(folder, `\`, "/")
	if folder == "" {
		return s.root
	}
	if strings.HasPrefix(folder, "/") {
		return path.Clean(folder)
	}
	return path.Join(s.root, folder)
}

func (s *SFTPConnection) ListFiles(ctx context.Context, specs []shared.SourcePathSpec) (*shared.FileSet, error) {
	client, err := s.getClient("list")
	if err != nil {
		return nil, err
	}

	files := shared.NewFileSet()
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		match, err := nameMatcher(spec)
		if err != nil {
			return nil, newError(s.cfg, ErrorTypeInvalidInput, "list", err)
		}

		dir := s.resolve(spec.Folder)
		entries, err := client.ReadDir(dir)
		if err != nil {
			s.log.Warn("cannot read remote folder, no files matched", map[string]any{
				"folder": dir,
				"error":  err.Error(),
			})
			continue
		}

		for _, info := range entries {
			if !info.Mode().IsRegular() || !match(info.Name()) {
				continue
			}
			mtime := info.ModTime()
			files.Add(shared.FileRecord{
				Folder:            dir,
				Name:              info.Name(),
				LastWriteTime:     &mtime,
				Size:              info.Size(),
				DestinationFolder: spec.DestinationFolder,
			})
		}
	}
	return files, nil
}

func (s *SFTPConnection) TransferInto(ctx context.Context, rec shared.FileRecord, dst io.Writer) (int64, error) {
	client, err := s.getClient("transfer")
	if err != nil {
		return 0, err
	}
	f, err := client.Open(path.Join(rec.Folder, rec.Name))
	if err != nil {
		return 0, newError(s.cfg, sftpErrorType(err), "open source", err)
	}
	return s.copyOut(ctx, dst, f)
}

func (s *SFTPConnection) RenameAtSource(ctx context.Context, oldPath, newPath string) error {
	return s.rename("rename source", oldPath, newPath)
}

func (s *SFTPConnection) DeleteAtSource(ctx context.Context, p string) error {
	client, err := s.getClient("delete source")
	if err != nil {
		return err
	}
	if err := client.Remove(p); err != nil {
		return newError(s.cfg, sftpErrorType(err), "delete source", err)
	}
	return nil
}

func (s *SFTPConnection) RenameAtDestination(ctx context.Context, oldPath, newPath string, preventOverwrite bool) (string, error) {
	const op = "rename destination"
	if !preventOverwrite {
		if err := s.rename(op, oldPath, newPath); err != nil {
			return "", err
		}
		return newPath, nil
	}

	client, err := s.getClient(op)
	if err != nil {
		return "", err
	}
	dir := path.Dir(newPath)
	if err := client.MkdirAll(dir); err != nil {
		return "", newError(s.cfg, sftpErrorType(err), op, errors.Errorf("create folder: %w", err))
	}
	final, err := s.freeName(client, dir, path.Base(newPath))
	if err != nil {
		return "", err
	}
	to := path.Join(dir, final)
	if err := client.RenameExclusive(oldPath, to); err != nil {
		return "", newError(s.cfg, sftpErrorType(err), op, err)
	}
	return to, nil
}

func (s *SFTPConnection) TargetPath(folder, name string) string {
	return path.Join(s.resolve(folder), name)
}

func (s *SFTPConnection) rename(op, oldPath, newPath string) error {
	client, err := s.getClient(op)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(newPath)); err != nil {
		return newError(s.cfg, sftpErrorType(err), op, errors.Errorf("create folder: %w", err))
	}
	if err := client.Rename(oldPath, newPath); err != nil {
		return newError(s.cfg, sftpErrorType(err), op, err)
	}
	return nil
}

func (s *SFTPConnection) freeName(client sftpClient, dir, name string) (string, error) {
	return resolveName(name, s.cfg.DuplicateLimit, func(candidate string) (bool, error) {
		_, err := client.Stat(path.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, newError(s.cfg, sftpErrorType(err), "stat", err)
		}
		return true, nil
	})
}

// OpenWriteTarget writes into a hidden temporary file next to the final
// name. FinalizeWrite renames it into place.
func (s *SFTPConnection) OpenWriteTarget(ctx context.Context, folder, name string, preventOverwrite bool) (*WriteTarget, error) {
	client, err := s.getClient("open write target")
	if err != nil {
		return nil, err
	}

	dir := s.resolve(folder)
	if err := client.MkdirAll(dir); err != nil {
		return nil, newError(s.cfg, sftpErrorType(err), "create folder", err)
	}

	final := name
	if preventOverwrite {
		final, err = s.freeName(client, dir, name)
		if err != nil {
			return nil, err
		}
	}

	finalPath := path.Join(dir, final)
	tempPath := path.Join(dir, generateTempName(final))
	f, err := client.Create(tempPath)
	if err != nil {
		return nil, newError(s.cfg, sftpErrorType(err), "create file", err)
	}

	stack, err := s.writeStack(f, name, timeNow())
	if err != nil {
		_ = client.Remove(tempPath)
		return nil, err
	}

	return &WriteTarget{
		Folder: dir,
		Name:   final,
		Path:   finalPath,
		stack:  stack,
		commit: func(ctx context.Context) error {
			commitRename := client.Rename
			if preventOverwrite {
				commitRename = client.RenameExclusive
			}
			if err := commitRename(tempPath, finalPath); err != nil {
				return newError(s.cfg, sftpErrorType(err), "rename temp file", err)
			}
			return nil
		},
		rollback: func() error { return client.Remove(tempPath) },
	}, nil
}

func (s *SFTPConnection) FinalizeWrite(ctx context.Context, t *WriteTarget) error {
	if err := t.finish(ctx); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return newError(s.cfg, ErrorTypeNetworkError, "finalize", err)
	}
	return nil
}

func (s *SFTPConnection) SupportsFastCopy(src Connection) bool {
	return false
}

func (s *SFTPConnection) FastCopy(ctx context.Context, src Connection, rec shared.FileRecord, folder, name string, preventOverwrite bool) (string, error) {
	return "", unsupported(s.cfg, "fast copy")
}

func generateTempName(name string) string {
	return fmt.Sprintf(".%s.%s.part", name, uuid.NewString()[:8])
}

func sftpErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorTypeNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorTypeAccessDenied
	}
	return ErrorTypeNetworkError
}
