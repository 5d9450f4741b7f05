package transfer

import (
	"context"
	"path"
	"strings"
	"time"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/ledger"
	"fileferry/pkg/logger"
	"fileferry/pkg/shared"
	"fileferry/pkg/storage"

	"gitlab.com/tozd/go/errors"
)

// errSamePath marks a file whose destination is the source file itself.
var errSamePath = errors.New("destination is the source file")

// ConnectionFactory creates the connection for one endpoint.
type ConnectionFactory interface {
	Create(cfg *endpoint.Config) (storage.Connection, error)
}

// Result describes one run of a task.
type Result struct {
	Task              string        `json:"task"`
	Candidates        int           `json:"candidates"`
	Skipped           int           `json:"skipped"`
	Pruned            int           `json:"pruned"`
	Transferred       []string      `json:"transferred"`
	Failed            []string      `json:"failed"`
	SamePath          []string      `json:"same_path"`
	Errors            []error       `json:"-"`
	PostProcessErrors int           `json:"post_process_errors"`
	Duration          time.Duration `json:"duration"`
}

// Err joins the per-file errors collected while errors were suppressed.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

type Transferer struct {
	factory ConnectionFactory
	log     *logger.Logger
	now     func() time.Time
}

func NewTransferer(factory ConnectionFactory, log *logger.Logger) *Transferer {
	if log == nil {
		log = logger.Default()
	}
	return &Transferer{factory: factory, log: log, now: time.Now}
}

// Run executes task once. Both connections and the ledger lock are released
// on every path. Files moved before a failure are still recorded in the
// ledger.
func (t *Transferer) Run(ctx context.Context, task *Task) (*Result, error) {
	start := t.now()
	res := &Result{Task: task.Name}
	defer func() { res.Duration = t.now().Sub(start) }()

	log := t.log.With(map[string]any{"task": task.Name})

	var (
		store *ledger.Store
		led   *ledger.Ledger
	)
	if task.Options.LedgerFile != "" {
		var err error
		store, err = ledger.Open(task.Options.LedgerFile)
		if err != nil {
			return res, err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error("failed to release ledger", err, nil)
			}
		}()

		led, err = store.Load()
		if err != nil {
			return res, err
		}
		res.Pruned = led.PruneOlderThan(task.Options.LedgerMaxAge, t.now())
		if res.Pruned > 0 {
			if err := store.Save(led); err != nil {
				return res, err
			}
			log.Info("pruned ledger", map[string]any{
				"ledger":    store.Path(),
				"removed":   res.Pruned,
				"remaining": led.Len(),
			})
		}
	}

	src, err := t.connect(ctx, task.Source, "source")
	if err != nil {
		return res, err
	}
	defer t.disconnect(log, src, "source")

	candidates, err := src.ListFiles(ctx, task.Paths)
	if err != nil {
		return res, errors.Errorf("listing source: %w", err)
	}
	res.Candidates = candidates.Len()
	if led != nil {
		candidates, res.Skipped = led.Filter(candidates)
	}

	log.Info("source listed", map[string]any{
		"candidates": res.Candidates,
		"skipped":    res.Skipped,
	})
	if candidates.Len() == 0 {
		return res, nil
	}

	dst, err := t.connect(ctx, task.Destination, "destination")
	if err != nil {
		return res, err
	}
	defer t.disconnect(log, dst, "destination")

	transferred := shared.NewFileSet()
	var runErr error
	for _, rec := range candidates.Records() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		fileLog := log.With(map[string]any{"file": rec.Path(), "file_id": rec.ID()})
		finalPath, err := t.transferOne(ctx, task, src, dst, rec, fileLog)
		if errors.Is(err, errSamePath) {
			fileLog.Warn("destination resolves to the source file, skipped", nil)
			res.SamePath = append(res.SamePath, rec.Path())
			continue
		}
		if err != nil {
			fileLog.Error("file transfer failed", err, nil)
			res.Failed = append(res.Failed, rec.Path())
			res.Errors = append(res.Errors, errors.Errorf("%s: %w", rec.Path(), err))
			if !task.Options.SuppressErrors {
				runErr = err
				break
			}
			continue
		}

		rec.DownloadedAt = t.now().UTC()
		transferred.Add(rec)
		res.Transferred = append(res.Transferred, finalPath)
		fileLog.Info("file transferred", map[string]any{"destination": finalPath, "size": rec.Size})

		if !task.Options.CopyOnly {
			if err := t.postProcessSource(ctx, task, src, rec, fileLog); err != nil {
				res.PostProcessErrors++
				fileLog.Error("source post-processing failed", err, nil)
			}
		}
	}

	if led != nil {
		led.Union(transferred)
		if led.Modified() {
			if err := store.Save(led); err != nil {
				if runErr != nil {
					return res, errors.Join(runErr, err)
				}
				return res, err
			}
		}
	}

	log.Info("task finished", map[string]any{
		"transferred": len(res.Transferred),
		"failed":      len(res.Failed),
	})
	if runErr != nil {
		return res, errors.Errorf("task %s aborted: %w", task.Name, runErr)
	}
	return res, nil
}

func (t *Transferer) connect(ctx context.Context, cfg *endpoint.Config, role string) (storage.Connection, error) {
	conn, err := t.factory.Create(cfg)
	if err != nil {
		return nil, errors.Errorf("%s: %w", role, err)
	}
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Disconnect()
		return nil, errors.Errorf("connecting %s: %w", role, err)
	}
	return conn, nil
}

func (t *Transferer) disconnect(log *logger.Logger, conn storage.Connection, role string) {
	if err := conn.Disconnect(); err != nil {
		log.Warn("disconnect failed", map[string]any{"role": role, "error": err.Error()})
	}
}

// transferOne moves rec to the destination and returns its final path.
func (t *Transferer) transferOne(ctx context.Context, task *Task, src, dst storage.Connection, rec shared.FileRecord, log *logger.Logger) (string, error) {
	opts := task.Options
	writeName := rec.Name
	if opts.RenameRegex != nil && !opts.DeferRename {
		writeName = opts.RenameRegex.ReplaceAllString(rec.Name, opts.RenameReplacement)
	}

	if !opts.PreventOverwrite && sameHost(src.Config(), dst.Config()) &&
		samePath(dst.TargetPath(rec.DestinationFolder, writeName), rec.Path()) {
		return "", errSamePath
	}

	var finalPath string
	if dst.SupportsFastCopy(src) {
		p, err := dst.FastCopy(ctx, src, rec, rec.DestinationFolder, writeName, opts.PreventOverwrite)
		if err != nil {
			return "", err
		}
		finalPath = p
	} else {
		target, err := dst.OpenWriteTarget(ctx, rec.DestinationFolder, writeName, opts.PreventOverwrite)
		if err != nil {
			return "", err
		}
		if _, err := src.TransferInto(ctx, rec, target); err != nil {
			if discardErr := target.Discard(); discardErr != nil {
				log.Warn("failed to discard partial file", map[string]any{"path": target.Path, "error": discardErr.Error()})
			}
			return "", err
		}
		if err := dst.FinalizeWrite(ctx, target); err != nil {
			return "", err
		}
		finalPath = target.Path
	}

	if opts.RenameRegex == nil || !opts.DeferRename {
		return finalPath, nil
	}

	dir, written := splitPath(finalPath)
	renamed := joinPath(dir, opts.RenameRegex.ReplaceAllString(written, opts.RenameReplacement))
	if samePath(finalPath, renamed) {
		log.Warn("destination rename resolves to the same path, skipped", map[string]any{"path": finalPath})
		return finalPath, nil
	}
	renamedPath, err := dst.RenameAtDestination(ctx, finalPath, renamed, opts.PreventOverwrite)
	if err != nil {
		return "", errors.Errorf("deferred rename: %w", err)
	}
	return renamedPath, nil
}

// postProcessSource renames the source file when a source rename is
// configured and deletes it otherwise.
func (t *Transferer) postProcessSource(ctx context.Context, task *Task, src storage.Connection, rec shared.FileRecord, log *logger.Logger) error {
	opts := task.Options
	if opts.SourceRenameRegex == nil {
		return src.DeleteAtSource(ctx, rec.Path())
	}

	newName := opts.SourceRenameRegex.ReplaceAllString(rec.Name, opts.SourceRenameReplacement)
	newPath := newName
	if !isAbs(newName) {
		newPath = joinPath(rec.Folder, newName)
	}
	if samePath(rec.Path(), newPath) {
		log.Warn("source rename resolves to the same path, skipped", map[string]any{"path": rec.Path()})
		return nil
	}
	if err := src.RenameAtSource(ctx, rec.Path(), newPath); err != nil {
		return err
	}
	log.Debug("source renamed", map[string]any{"to": newPath})
	return nil
}

// sameHost reports whether both endpoints address the same file system, so
// that equal paths name the same file.
func sameHost(a, b *endpoint.Config) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case endpoint.KindFolder:
		return true
	case endpoint.KindSFTP:
		return a.Addr() == b.Addr()
	}
	return false
}

func splitPath(p string) (string, string) {
	i := strings.LastIndexAny(p, `/\`)
	switch {
	case i < 0:
		return "", p
	case i == 0:
		return p[:1], p[1:]
	}
	return p[:i], p[i+1:]
}

func joinPath(dir, name string) string {
	return shared.FileRecord{Folder: dir, Name: name}.Path()
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || (len(p) > 2 && p[1] == ':' && (p[2] == '\\' || p[2] == '/'))
}

func samePath(a, b string) bool {
	norm := func(p string) string {
		return path.Clean(strings.ReplaceAll(p, `\`, "/"))
	}
	return norm(a) == norm(b)
}
