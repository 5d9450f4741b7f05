package storage

import (
	"context"
	"fmt"
	"io"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/pgpstream"
	"fileferry/pkg/shared"

	"gitlab.com/tozd/go/errors"
)

// Connection is one endpoint of a transfer. A Connection is used by a single
// task run at a time and is not safe for concurrent use.
type Connection interface {
	Kind() endpoint.Kind
	Config() *endpoint.Config

	Connect(ctx context.Context) error
	Disconnect() error

	// ListFiles enumerates the files matching specs. Records carry the
	// resolved absolute folder and the destination folder of their spec.
	ListFiles(ctx context.Context, specs []shared.SourcePathSpec) (*shared.FileSet, error)
	// TransferInto streams the content of rec into dst, decrypting when the
	// endpoint has a key ring.
	TransferInto(ctx context.Context, rec shared.FileRecord, dst io.Writer) (int64, error)
	RenameAtSource(ctx context.Context, oldPath, newPath string) error
	DeleteAtSource(ctx context.Context, path string) error

	// OpenWriteTarget prepares name inside folder, which is relative to the
	// endpoint location. With preventOverwrite an existing name gets a
	// numeric suffix instead of being replaced.
	OpenWriteTarget(ctx context.Context, folder, name string, preventOverwrite bool) (*WriteTarget, error)
	FinalizeWrite(ctx context.Context, t *WriteTarget) error
	// RenameAtDestination moves a finalized file and returns where it ended
	// up. With preventOverwrite an existing newPath gets a numeric suffix.
	RenameAtDestination(ctx context.Context, oldPath, newPath string, preventOverwrite bool) (string, error)
	// TargetPath is the path name would be written to inside folder, before
	// any duplicate suffix is applied.
	TargetPath(folder, name string) string

	SupportsFastCopy(src Connection) bool
	// FastCopy copies rec from src without the streaming pipeline and
	// returns the final destination path.
	FastCopy(ctx context.Context, src Connection, rec shared.FileRecord, folder, name string, preventOverwrite bool) (string, error)
}

// WriteTarget is an open destination file. Writes go to the cleartext end of
// its stream stack.
type WriteTarget struct {
	Folder string
	Name   string
	Path   string

	stack    *pgpstream.WriteStack
	commit   func(ctx context.Context) error
	rollback func() error
	done     bool
}

func (t *WriteTarget) Write(p []byte) (int, error) {
	return t.stack.Write(p)
}

// finish closes the stack and runs the commit step. It runs at most once.
func (t *WriteTarget) finish(ctx context.Context) error {
	if t.done {
		return errors.Errorf("write target %s already finalized", t.Path)
	}
	t.done = true

	if err := t.stack.Close(); err != nil {
		if t.rollback != nil {
			_ = t.rollback()
		}
		return errors.Errorf("closing %s: %w", t.Path, err)
	}
	if t.commit != nil {
		if err := t.commit(ctx); err != nil {
			if t.rollback != nil {
				_ = t.rollback()
			}
			return err
		}
	}
	return nil
}

// Discard abandons the target and removes whatever was written. Calling it
// after a successful FinalizeWrite is a no-op.
func (t *WriteTarget) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	closeErr := t.stack.Close()
	var rollbackErr error
	if t.rollback != nil {
		rollbackErr = t.rollback()
	}
	return errors.Join(closeErr, rollbackErr)
}

var (
	ErrUnsupported       = errors.New("operation not supported by endpoint")
	ErrUnsupportedKind   = errors.New("unsupported endpoint kind")
	ErrTooManyDuplicates = errors.New("too many duplicate file names")
	ErrNotConnected      = errors.New("endpoint is not connected")
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeAccessDenied ErrorType = "access_denied"
	ErrorTypeNetworkError ErrorType = "network_error"
	ErrorTypeInternal     ErrorType = "internal_error"
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	ErrorTypeUnsupported  ErrorType = "unsupported"
)

// ConnectionError is returned by Connection operations. Endpoint is the
// location without credentials.
type ConnectionError struct {
	Type     ErrorType
	Kind     endpoint.Kind
	Op       string
	Endpoint string
	Cause    error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s %s (%s): %v", e.Kind, e.Op, e.Endpoint, e.Type, e.Cause)
	}
	return fmt.Sprintf("%s %s %s (%s)", e.Kind, e.Op, e.Endpoint, e.Type)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func newError(cfg *endpoint.Config, typ ErrorType, op string, cause error) *ConnectionError {
	return &ConnectionError{Type: typ, Kind: cfg.Kind, Op: op, Endpoint: cfg.String(), Cause: cause}
}

func unsupported(cfg *endpoint.Config, op string) error {
	return newError(cfg, ErrorTypeUnsupported, op, ErrUnsupported)
}

// IsRetryableError reports whether a later attempt of the same operation
// may succeed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		return false
	}

	switch connErr.Type {
	case ErrorTypeNetworkError:
		return true
	case ErrorTypeInternal:
		return true
	case ErrorTypeNotFound, ErrorTypeAccessDenied, ErrorTypeInvalidInput, ErrorTypeUnsupported:
		return false
	default:
		return false
	}
}
