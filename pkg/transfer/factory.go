package transfer

import (
	"time"

	"fileferry/pkg/config"
	"fileferry/pkg/logger"
	"fileferry/pkg/storage"
)

// NewFactory returns the connection factory for cfg, carrying the shared
// SMTP settings used by every Email endpoint.
func NewFactory(cfg *config.Config, log *logger.Logger) *storage.Factory {
	return storage.NewFactory(storage.FactoryOptions{
		SMTP: storage.SMTPSettings{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			Subject:   cfg.SMTP.Subject,
			Body:      cfg.SMTP.Body,
			TLSPolicy: cfg.SMTP.TLSPolicy,
			Timeout:   time.Duration(cfg.SMTP.TimeoutSeconds) * time.Second,
		},
		Logger: log,
	})
}
