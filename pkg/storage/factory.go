package storage

import (
	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"

	"gitlab.com/tozd/go/errors"
)

type FactoryOptions struct {
	SMTP   SMTPSettings
	Logger *logger.Logger
}

// Factory creates connections keyed by the classified endpoint kind.
type Factory struct {
	opts FactoryOptions
}

func NewFactory(opts FactoryOptions) *Factory {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Factory{opts: opts}
}

func (f *Factory) Create(cfg *endpoint.Config) (Connection, error) {
	if cfg == nil {
		return nil, errors.New("endpoint configuration is required")
	}

	switch cfg.Kind {
	case endpoint.KindFolder:
		return NewFolderConnection(cfg, f.opts.Logger), nil
	case endpoint.KindSFTP:
		return NewSFTPConnection(cfg, f.opts.Logger), nil
	case endpoint.KindEmail:
		return NewEmailConnection(cfg, f.opts.SMTP, f.opts.Logger), nil
	}
	return nil, errors.Errorf("%w: %s", ErrUnsupportedKind, cfg.Kind)
}
