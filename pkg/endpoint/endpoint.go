// Package endpoint classifies endpoint location strings and holds the
// immutable per-side configuration of a transfer.
package endpoint

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

type Kind string

const (
	KindFolder Kind = "folder"
	KindSFTP   Kind = "sftp"
	KindFTP    Kind = "ftp"
	KindEmail  Kind = "email"
)

const (
	DefaultSFTPPort       = 22
	DefaultDuplicateLimit = 100
)

var (
	ErrUnrecognizedLocation = errors.New("unrecognized endpoint location")
	ErrMissingLocation      = errors.New("endpoint location is required")
)

var (
	drivePattern = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
	uncPattern   = regexp.MustCompile(`^\\\\[^\\/]+[\\/][^\\/]+`)
	sftpPattern  = regexp.MustCompile(`(?i)^sftp://[^/\s]+(/.*)?$`)
	ftpPattern   = regexp.MustCompile(`(?i)^ftps?://[^/\s]+(/.*)?$`)
	emailPattern = regexp.MustCompile(`^[^@\s/\\]+@[^@\s/\\]+\.[^@\s/\\]+$`)
)

// Classify derives the endpoint kind from the syntax of location.
func Classify(location string) (Kind, error) {
	loc := strings.TrimSpace(location)
	switch {
	case loc == "":
		return "", ErrMissingLocation
	case sftpPattern.MatchString(loc):
		return KindSFTP, nil
	case ftpPattern.MatchString(loc):
		return KindFTP, nil
	case drivePattern.MatchString(loc), uncPattern.MatchString(loc), strings.HasPrefix(loc, "/"):
		return KindFolder, nil
	case emailPattern.MatchString(loc):
		return KindEmail, nil
	}
	return "", errors.Errorf("%w: %q", ErrUnrecognizedLocation, location)
}

// Params are the raw, harness-supplied values for one side of a transfer.
type Params struct {
	Location          string
	User              string
	Password          string
	ClientCertificate string
	KnownHosts        string

	KeyRing    string
	Passphrase string
	KeyUser    string
	RawFormat  bool

	DuplicateLimit int
}

// Config is the resolved description of one endpoint. Build it with New.
type Config struct {
	Kind     Kind
	Location string

	// Host and Port are set for SFTP and FTP.
	Host string
	Port int
	// Path is the folder path (Folder, SFTP, FTP) or the recipient (Email).
	Path string

	User              string
	Password          string
	ClientCertificate string
	KnownHosts        string

	KeyRing    string
	Passphrase string
	KeyUser    string
	Armor      bool

	DuplicateLimit int
}

func New(p Params) (*Config, error) {
	kind, err := Classify(p.Location)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Kind:              kind,
		Location:          strings.TrimSpace(p.Location),
		User:              p.User,
		Password:          p.Password,
		ClientCertificate: p.ClientCertificate,
		KnownHosts:        p.KnownHosts,
		KeyRing:           p.KeyRing,
		Passphrase:        p.Passphrase,
		KeyUser:           p.KeyUser,
		Armor:             !p.RawFormat,
		DuplicateLimit:    p.DuplicateLimit,
	}
	if cfg.DuplicateLimit <= 0 {
		cfg.DuplicateLimit = DefaultDuplicateLimit
	}

	switch kind {
	case KindSFTP, KindFTP:
		if err := cfg.parseURL(); err != nil {
			return nil, err
		}
	case KindFolder, KindEmail:
		cfg.Path = cfg.Location
	}

	return cfg, nil
}

func (c *Config) parseURL() error {
	u, err := url.Parse(c.Location)
	if err != nil {
		return errors.Errorf("%w: %q: %s", ErrUnrecognizedLocation, c.Location, err.Error())
	}

	c.Host = u.Hostname()
	if c.Host == "" {
		return errors.Errorf("%w: %q has no host", ErrUnrecognizedLocation, c.Location)
	}

	c.Port = DefaultSFTPPort
	if c.Kind == KindFTP {
		c.Port = 21
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return errors.Errorf("%w: invalid port in %q", ErrUnrecognizedLocation, c.Location)
		}
		c.Port = port
	}

	if c.User == "" && u.User != nil {
		c.User = u.User.Username()
	}

	// One leading slash separates host from path; a second one makes the
	// path absolute on the server, otherwise it is relative to the home.
	c.Path = strings.TrimPrefix(u.Path, "/")
	return nil
}

// Addr is the host:port of a network endpoint.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Encrypted reports whether payloads crossing this endpoint pass through the
// OpenPGP composer.
func (c *Config) Encrypted() bool {
	return c.KeyRing != ""
}

// String is the location without credentials, safe for logs.
func (c *Config) String() string {
	return RedactLocation(c.Location)
}

// RedactLocation strips the user info from URL locations such as sftp://
// and ftp://. Paths and addresses carry no credentials and are returned
// unchanged.
func RedactLocation(location string) string {
	if !strings.Contains(location, "://") {
		return location
	}
	u, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "<unparsable location>"
	}
	if u.User != nil {
		u.User = nil
		return u.String()
	}
	return location
}
