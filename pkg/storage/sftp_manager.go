package storage

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"fileferry/pkg/endpoint"
	"fileferry/pkg/logger"

	"github.com/pkg/sftp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 30 * time.Second

// sftpClient is the subset of *sftp.Client the connection uses.
type sftpClient interface {
	Getwd() (string, error)
	ReadDir(p string) ([]os.FileInfo, error)
	Stat(p string) (os.FileInfo, error)
	MkdirAll(p string) error
	Open(p string) (io.ReadCloser, error)
	Create(p string) (io.WriteCloser, error)
	Rename(oldname, newname string) error
	RenameExclusive(oldname, newname string) error
	Remove(p string) error
	Close() error
}

// sftpSession owns one SSH connection and the SFTP subsystem on top of it.
type sftpSession struct {
	sshConn *ssh.Client
	client  *sftp.Client
}

func (s *sftpSession) Getwd() (string, error)                  { return s.client.Getwd() }
func (s *sftpSession) ReadDir(p string) ([]os.FileInfo, error) { return s.client.ReadDir(p) }
func (s *sftpSession) Stat(p string) (os.FileInfo, error)      { return s.client.Stat(p) }
func (s *sftpSession) MkdirAll(p string) error                 { return s.client.MkdirAll(p) }
func (s *sftpSession) Remove(p string) error                   { return s.client.Remove(p) }

func (s *sftpSession) Open(p string) (io.ReadCloser, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Create(p string) (io.WriteCloser, error) {
	f, err := s.client.Create(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Rename replaces an existing target when the server supports the posix
// extension; plain SFTP rename refuses to overwrite.
func (s *sftpSession) Rename(oldname, newname string) error {
	if err := s.client.PosixRename(oldname, newname); err == nil {
		return nil
	}
	return s.client.Rename(oldname, newname)
}

// RenameExclusive uses the plain SFTP rename, which fails when newname
// already exists.
func (s *sftpSession) RenameExclusive(oldname, newname string) error {
	return s.client.Rename(oldname, newname)
}

// Close closes the SFTP subsystem, then the SSH connection.
func (s *sftpSession) Close() error {
	var errs []error
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sshConn != nil {
		if err := s.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// createSSHConfig builds the client configuration from the endpoint. The
// client certificate is the path of an SSH private key file.
func createSSHConfig(cfg *endpoint.Config, log *logger.Logger) (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:    cfg.User,
		Timeout: defaultSSHTimeout,
	}

	if cfg.KnownHosts != "" {
		callback, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, errors.Errorf("load known_hosts %s: %w", cfg.KnownHosts, err)
		}
		sshConfig.HostKeyCallback = callback
	} else {
		log.Warn("no known_hosts configured, accepting any host key", map[string]any{"host": cfg.Host})
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	var auth []ssh.AuthMethod
	if cfg.ClientCertificate != "" {
		pem, err := os.ReadFile(cfg.ClientCertificate)
		if err != nil {
			return nil, errors.Errorf("read client certificate: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && cfg.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.Password))
		}
		if err != nil {
			return nil, errors.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("either password or client certificate must be provided")
	}
	sshConfig.Auth = auth

	return sshConfig, nil
}

// dialSFTP establishes the SSH and SFTP sessions for cfg.
func dialSFTP(ctx context.Context, cfg *endpoint.Config, log *logger.Logger) (sftpClient, error) {
	sshConfig, err := createSSHConfig(cfg, log)
	if err != nil {
		return nil, newError(cfg, ErrorTypeInvalidInput, "connect", err)
	}

	conn, err := dialSSH(ctx, cfg.Addr(), sshConfig)
	if err != nil {
		return nil, newError(cfg, dialErrorType(err), "connect", errors.Errorf("dial ssh: %w", err))
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, newError(cfg, ErrorTypeNetworkError, "connect", errors.Errorf("initialize sftp subsystem: %w", err))
	}

	return &sftpSession{sshConn: conn, client: client}, nil
}

// dialSSH connects and runs the SSH handshake under ctx. The TCP connection
// is closed when the handshake fails or ctx ends first.
func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type handshake struct {
		client *ssh.Client
		err    error
	}
	done := make(chan handshake, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			_ = conn.Close()
			done <- handshake{err: err}
			return
		}
		done <- handshake{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case h := <-done:
		return h.client, h.err
	case <-ctx.Done():
		// Unblocks the handshake; a client that still completes is closed.
		_ = conn.Close()
		go func() {
			if h := <-done; h.client != nil {
				_ = h.client.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

func dialErrorType(err error) ErrorType {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return ErrorTypeAccessDenied
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return ErrorTypeAccessDenied
	}
	return ErrorTypeNetworkError
}
