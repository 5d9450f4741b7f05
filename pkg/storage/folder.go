package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"
	"fileferry/pkg/shared"

	"gitlab.com/tozd/go/errors"
)

var errSameFile = errors.New("source and destination are the same file")

// FolderConnection is a local or mounted directory.
type FolderConnection struct {
	base
	root      string
	connected bool
}

func NewFolderConnection(cfg *endpoint.Config, log *logger.Logger) *FolderConnection {
	return &FolderConnection{
		base: newBase(cfg, log),
		root: filepath.Clean(cfg.Path),
	}
}

func (c *FolderConnection) Connect(ctx context.Context) error {
	if err := c.loadKeys(); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *FolderConnection) Disconnect() error {
	c.connected = false
	return nil
}

func (c *FolderConnection) resolve(folder string) string {
	if folder == "" {
		return c.root
	}
	if filepath.IsAbs(folder) {
		return filepath.Clean(folder)
	}
	return filepath.Join(c.root, folder)
}

func (c *FolderConnection) ListFiles(ctx context.Context, specs []shared.SourcePathSpec) (*shared.FileSet, error) {
	files := shared.NewFileSet()
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		match, err := nameMatcher(spec)
		if err != nil {
			return nil, newError(c.cfg, ErrorTypeInvalidInput, "list", err)
		}

		dir := c.resolve(spec.Folder)
		entries, err := os.ReadDir(dir)
		if err != nil {
			c.log.Warn("cannot read source folder, no files matched", map[string]any{
				"folder": dir,
				"error":  err.Error(),
			})
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() || !match(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				// Removed between listing and stat.
				continue
			}
			mtime := info.ModTime()
			files.Add(shared.FileRecord{
				Folder:            dir,
				Name:              entry.Name(),
				LastWriteTime:     &mtime,
				Size:              info.Size(),
				DestinationFolder: spec.DestinationFolder,
			})
		}
	}
	return files, nil
}

func (c *FolderConnection) TransferInto(ctx context.Context, rec shared.FileRecord, dst io.Writer) (int64, error) {
	f, err := os.Open(filepath.Join(rec.Folder, rec.Name))
	if err != nil {
		return 0, newError(c.cfg, fileErrorType(err), "open source", err)
	}
	return c.copyOut(ctx, dst, f)
}

func (c *FolderConnection) RenameAtSource(ctx context.Context, oldPath, newPath string) error {
	return c.rename("rename source", oldPath, newPath)
}

func (c *FolderConnection) DeleteAtSource(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return newError(c.cfg, fileErrorType(err), "delete source", err)
	}
	return nil
}

func (c *FolderConnection) RenameAtDestination(ctx context.Context, oldPath, newPath string, preventOverwrite bool) (string, error) {
	const op = "rename destination"
	if !preventOverwrite {
		if err := c.rename(op, oldPath, newPath); err != nil {
			return "", err
		}
		return newPath, nil
	}

	dir := filepath.Dir(newPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", newError(c.cfg, fileErrorType(err), op, err)
	}
	final, err := c.freeName(dir, filepath.Base(newPath))
	if err != nil {
		return "", err
	}
	to := filepath.Join(dir, final)
	if err := renameNoReplace(oldPath, to); err != nil {
		return "", newError(c.cfg, fileErrorType(err), op, err)
	}
	return to, nil
}

func (c *FolderConnection) TargetPath(folder, name string) string {
	return filepath.Join(c.resolve(folder), name)
}

func (c *FolderConnection) rename(op, oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return newError(c.cfg, fileErrorType(err), op, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return newError(c.cfg, fileErrorType(err), op, err)
	}
	return nil
}

// renameNoReplace moves oldPath to newPath and fails with fs.ErrExist when
// newPath is taken. A hard link claims the name atomically; filesystems
// without hard links fall back to a plain rename.
func renameNoReplace(oldPath, newPath string) error {
	err := os.Link(oldPath, newPath)
	switch {
	case err == nil:
		return os.Remove(oldPath)
	case errors.Is(err, fs.ErrExist):
		return err
	}
	if _, statErr := os.Lstat(newPath); statErr == nil {
		return &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrExist}
	}
	return os.Rename(oldPath, newPath)
}

func (c *FolderConnection) freeName(dir, name string) (string, error) {
	return resolveName(name, c.cfg.DuplicateLimit, func(candidate string) (bool, error) {
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	})
}

func (c *FolderConnection) prepare(folder, name string, preventOverwrite bool) (string, string, error) {
	dir := c.resolve(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", newError(c.cfg, fileErrorType(err), "create folder", err)
	}
	if !preventOverwrite {
		return dir, name, nil
	}
	final, err := c.freeName(dir, name)
	if err != nil {
		return "", "", err
	}
	return dir, final, nil
}

func (c *FolderConnection) OpenWriteTarget(ctx context.Context, folder, name string, preventOverwrite bool) (*WriteTarget, error) {
	if !c.connected {
		return nil, newError(c.cfg, ErrorTypeInternal, "open write target", ErrNotConnected)
	}
	dir, final, err := c.prepare(folder, name, preventOverwrite)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, final)
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if preventOverwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, newError(c.cfg, fileErrorType(err), "create file", err)
	}

	stack, err := c.writeStack(f, name, timeNow())
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &WriteTarget{
		Folder:   dir,
		Name:     final,
		Path:     path,
		stack:    stack,
		rollback: func() error { return os.Remove(path) },
	}, nil
}

func (c *FolderConnection) FinalizeWrite(ctx context.Context, t *WriteTarget) error {
	if err := t.finish(ctx); err != nil {
		return newError(c.cfg, ErrorTypeInternal, "finalize", err)
	}
	return nil
}

func (c *FolderConnection) SupportsFastCopy(src Connection) bool {
	if src == nil || src.Kind() != endpoint.KindFolder || c.Kind() != endpoint.KindFolder {
		return false
	}
	return !src.Config().Encrypted() && !c.cfg.Encrypted()
}

// FastCopy copies the file byte for byte and keeps its modification time.
func (c *FolderConnection) FastCopy(ctx context.Context, src Connection, rec shared.FileRecord, folder, name string, preventOverwrite bool) (string, error) {
	if !c.SupportsFastCopy(src) {
		return "", unsupported(c.cfg, "fast copy")
	}
	dir, final, err := c.prepare(folder, name, preventOverwrite)
	if err != nil {
		return "", err
	}

	from := filepath.Join(rec.Folder, rec.Name)
	to := filepath.Join(dir, final)
	if err := copyFile(ctx, from, to, preventOverwrite); err != nil {
		return "", newError(c.cfg, fileErrorType(err), "fast copy", err)
	}
	return to, nil
}

func copyFile(ctx context.Context, from, to string, exclusive bool) (err error) {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if existing, statErr := os.Stat(to); statErr == nil && os.SameFile(info, existing) {
		return &fs.PathError{Op: "copy", Path: to, Err: errSameFile}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	out, err := os.OpenFile(to, flags, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(to)
		}
	}()

	if _, err = copyWithContext(ctx, out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Chtimes(to, info.ModTime(), info.ModTime())
}

func fileErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorTypeNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorTypeAccessDenied
	case errors.Is(err, fs.ErrExist), errors.Is(err, errSameFile):
		return ErrorTypeInvalidInput
	}
	return ErrorTypeInternal
}
