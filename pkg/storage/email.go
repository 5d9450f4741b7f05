package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"
	"fileferry/pkg/pgpstream"
	"fileferry/pkg/shared"

	"github.com/wneessen/go-mail"
	"gitlab.com/tozd/go/errors"
)

// SMTPSettings configure the outgoing mail server used by Email endpoints.
type SMTPSettings struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	Subject   string
	Body      string
	TLSPolicy string
	Timeout   time.Duration
}

const (
	defaultSubject = "File transfer: {file}"
	defaultBody    = "The file {file} is attached."
)

// Sender delivers composed messages.
type Sender interface {
	Send(ctx context.Context, msgs ...*mail.Msg) error
}

type smtpSender struct {
	client *mail.Client
}

func (s *smtpSender) Send(ctx context.Context, msgs ...*mail.Msg) error {
	return s.client.DialAndSendWithContext(ctx, msgs...)
}

func newSMTPSender(settings SMTPSettings) (Sender, error) {
	if settings.Host == "" {
		return nil, errors.New("smtp host is not configured")
	}

	opts := []mail.Option{mail.WithTLSPolicy(tlsPolicy(settings.TLSPolicy))}
	if settings.Port > 0 {
		opts = append(opts, mail.WithPort(settings.Port))
	}
	if settings.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(settings.Timeout))
	}
	if settings.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(settings.Username),
			mail.WithPassword(settings.Password),
		)
	}

	client, err := mail.NewClient(settings.Host, opts...)
	if err != nil {
		return nil, errors.Errorf("create smtp client: %w", err)
	}
	return &smtpSender{client: client}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	}
	return mail.TLSOpportunistic
}

// EmailConnection sends each written file as an attachment to the address
// in its location. It cannot act as a source.
type EmailConnection struct {
	base
	settings  SMTPSettings
	sender    Sender
	connected bool
}

func NewEmailConnection(cfg *endpoint.Config, settings SMTPSettings, log *logger.Logger) *EmailConnection {
	return &EmailConnection{base: newBase(cfg, log), settings: settings}
}

func (e *EmailConnection) Connect(ctx context.Context) error {
	if err := e.loadKeys(); err != nil {
		return err
	}
	if e.settings.From == "" {
		return newError(e.cfg, ErrorTypeInvalidInput, "connect", errors.New("smtp sender address is not configured"))
	}
	if e.sender == nil {
		sender, err := newSMTPSender(e.settings)
		if err != nil {
			return newError(e.cfg, ErrorTypeInvalidInput, "connect", err)
		}
		e.sender = sender
	}
	e.connected = true
	return nil
}

func (e *EmailConnection) Disconnect() error {
	e.connected = false
	return nil
}

func (e *EmailConnection) ListFiles(ctx context.Context, specs []shared.SourcePathSpec) (*shared.FileSet, error) {
	return nil, unsupported(e.cfg, "list")
}

func (e *EmailConnection) TransferInto(ctx context.Context, rec shared.FileRecord, dst io.Writer) (int64, error) {
	return 0, unsupported(e.cfg, "transfer")
}

func (e *EmailConnection) RenameAtSource(ctx context.Context, oldPath, newPath string) error {
	return unsupported(e.cfg, "rename source")
}

func (e *EmailConnection) DeleteAtSource(ctx context.Context, path string) error {
	return unsupported(e.cfg, "delete source")
}

// RenameAtDestination is a no-op, the message is already sent under
// oldPath.
func (e *EmailConnection) RenameAtDestination(ctx context.Context, oldPath, newPath string, preventOverwrite bool) (string, error) {
	return oldPath, nil
}

// TargetPath is the attachment name; folders do not apply to mail.
func (e *EmailConnection) TargetPath(folder, name string) string {
	return name
}

// OpenWriteTarget buffers the attachment in memory. Nothing is sent before
// FinalizeWrite. Collisions cannot happen so preventOverwrite is ignored.
func (e *EmailConnection) OpenWriteTarget(ctx context.Context, folder, name string, preventOverwrite bool) (*WriteTarget, error) {
	if !e.connected {
		return nil, newError(e.cfg, ErrorTypeInternal, "open write target", ErrNotConnected)
	}

	buf := &bytes.Buffer{}
	stack, err := e.writeStack(pgpstream.NopWriteCloser(buf), name, timeNow())
	if err != nil {
		return nil, err
	}

	t := &WriteTarget{
		Name:  name,
		Path:  name,
		stack: stack,
		rollback: func() error {
			buf.Reset()
			return nil
		},
	}
	t.commit = func(ctx context.Context) error {
		msg, err := e.compose(t.Name, buf.Bytes())
		if err != nil {
			return err
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			return newError(e.cfg, ErrorTypeNetworkError, "send", err)
		}
		e.log.Info("file sent as attachment", map[string]any{"file": t.Name, "bytes": buf.Len()})
		return nil
	}
	return t, nil
}

func (e *EmailConnection) compose(name string, content []byte) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.settings.From); err != nil {
		return nil, newError(e.cfg, ErrorTypeInvalidInput, "compose", err)
	}
	if err := msg.To(e.cfg.Path); err != nil {
		return nil, newError(e.cfg, ErrorTypeInvalidInput, "compose", err)
	}

	subject := e.settings.Subject
	if subject == "" {
		subject = defaultSubject
	}
	body := e.settings.Body
	if body == "" {
		body = defaultBody
	}
	msg.Subject(strings.ReplaceAll(subject, "{file}", name))
	msg.SetBodyString(mail.TypeTextPlain, strings.ReplaceAll(body, "{file}", name))

	if err := msg.AttachReader(name, bytes.NewReader(content)); err != nil {
		return nil, newError(e.cfg, ErrorTypeInternal, "compose", err)
	}
	return msg, nil
}

func (e *EmailConnection) FinalizeWrite(ctx context.Context, t *WriteTarget) error {
	if err := t.finish(ctx); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return newError(e.cfg, ErrorTypeInternal, "finalize", err)
	}
	return nil
}

func (e *EmailConnection) SupportsFastCopy(src Connection) bool {
	return false
}

func (e *EmailConnection) FastCopy(ctx context.Context, src Connection, rec shared.FileRecord, folder, name string, preventOverwrite bool) (string, error) {
	return "", unsupported(e.cfg, "fast copy")
}
