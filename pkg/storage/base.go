package storage

import (
	"context"
	"io"
	"time"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"
	"fileferry/pkg/pgpstream"

	"gitlab.com/tozd/go/errors"
)

var timeNow = time.Now

// base holds what every connection kind shares: its configuration, logger
// and the key ring read once at Connect.
type base struct {
	cfg  *endpoint.Config
	log  *logger.Logger
	keys *pgpstream.KeyRing
}

func newBase(cfg *endpoint.Config, log *logger.Logger) base {
	if log == nil {
		log = logger.Default()
	}
	return base{
		cfg: cfg,
		log: log.With(map[string]any{"endpoint": cfg.String(), "kind": string(cfg.Kind)}),
	}
}

func (b *base) Kind() endpoint.Kind {
	return b.cfg.Kind
}

func (b *base) Config() *endpoint.Config {
	return b.cfg
}

// loadKeys materializes the configured key ring. Later calls reuse the
// buffer.
func (b *base) loadKeys() error {
	if !b.cfg.Encrypted() || b.keys != nil {
		return nil
	}
	keys, err := pgpstream.LoadKeyRing(b.cfg.KeyRing)
	if err != nil {
		return newError(b.cfg, ErrorTypeInvalidInput, "connect", err)
	}
	b.keys = keys
	return nil
}

// writeStack starts a stack on w, owned by the stack, and pushes the
// encryption layers when the endpoint has a key ring.
func (b *base) writeStack(w io.WriteCloser, name string, modTime time.Time) (*pgpstream.WriteStack, error) {
	s := pgpstream.NewWriteStack(w)
	if !b.cfg.Encrypted() {
		return s, nil
	}
	if b.keys == nil {
		_ = s.Close()
		return nil, newError(b.cfg, ErrorTypeInternal, "open write target", ErrNotConnected)
	}

	ring, err := b.keys.Entities()
	if err != nil {
		_ = s.Close()
		return nil, newError(b.cfg, ErrorTypeInvalidInput, "open write target", err)
	}
	recipient, err := pgpstream.SelectRecipient(ring, b.cfg.KeyUser, time.Now())
	if err != nil {
		_ = s.Close()
		return nil, newError(b.cfg, ErrorTypeInvalidInput, "open write target", err)
	}

	opts := pgpstream.EncryptOptions{Armor: b.cfg.Armor, FileName: name, ModTime: modTime}
	if err := pgpstream.PushEncryption(s, recipient, opts); err != nil {
		_ = s.Close()
		return nil, errors.Errorf("encrypting %s: %w", name, err)
	}
	return s, nil
}

// copyOut copies src into dst, through the decryption layers when the
// endpoint has a key ring. src is closed in every case.
func (b *base) copyOut(ctx context.Context, dst io.Writer, src io.ReadCloser) (int64, error) {
	s := pgpstream.NewReadStack(src)
	if b.cfg.Encrypted() {
		if b.keys == nil {
			_ = s.Close()
			return 0, newError(b.cfg, ErrorTypeInternal, "transfer", ErrNotConnected)
		}
		ring, err := b.keys.Entities()
		if err != nil {
			_ = s.Close()
			return 0, newError(b.cfg, ErrorTypeInvalidInput, "transfer", err)
		}
		if err := pgpstream.PushDecryption(s, ring, []byte(b.cfg.Passphrase)); err != nil {
			_ = s.Close()
			return 0, errors.Errorf("decrypting: %w", err)
		}
	}

	n, err := copyWithContext(ctx, dst, s)
	closeErr := s.Close()
	if err != nil {
		return n, err
	}
	if closeErr != nil {
		return n, errors.Errorf("closing source stream: %w", closeErr)
	}
	return n, nil
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}))
}
