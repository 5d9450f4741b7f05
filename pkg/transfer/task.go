// Package transfer runs a configured task: list the source, drop what the
// ledger already holds, move the rest, post-process the source and persist
// the ledger.
package transfer

import (
	"fmt"
	"regexp"
	"time"

	"fileferry/pkg/config"
	"fileferry/pkg/endpoint"
	"fileferry/pkg/shared"

	"gitlab.com/tozd/go/errors"
)

var ErrNoSourcePaths = errors.New("no valid source paths")

// ConfigError reports a task that cannot run as configured. Retrying it
// without changing the configuration fails the same way.
type ConfigError struct {
	Task string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Options struct {
	CopyOnly bool

	// RenameRegex rewrites the destination file name. With DeferRename the
	// file is written under its source name and renamed once complete.
	RenameRegex       *regexp.Regexp
	RenameReplacement string
	DeferRename       bool

	// SourceRenameRegex rewrites the source name after a transfer instead of
	// deleting the file. The result may contain a relative folder.
	SourceRenameRegex       *regexp.Regexp
	SourceRenameReplacement string

	PreventOverwrite bool

	LedgerFile   string
	LedgerMaxAge time.Duration

	SuppressErrors bool
}

type Task struct {
	Name        string
	Source      *endpoint.Config
	Destination *endpoint.Config
	Paths       []shared.SourcePathSpec
	Options     Options
}

func endpointParams(c config.EndpointConfig) endpoint.Params {
	return endpoint.Params{
		Location:          c.Location,
		User:              c.User,
		Password:          c.Password,
		ClientCertificate: c.ClientCertificate,
		KnownHosts:        c.KnownHosts,
		KeyRing:           c.KeyRing,
		Passphrase:        c.Passphrase,
		KeyUser:           c.KeyUser,
		RawFormat:         c.RawFormat,
		DuplicateLimit:    c.DuplicateLimit,
	}
}

// TaskFromConfig resolves both endpoints and the source paths of tc. Every
// failure is a *ConfigError.
func TaskFromConfig(tc config.TaskConfig) (*Task, error) {
	fail := func(err error) (*Task, error) {
		return nil, &ConfigError{Task: tc.Name, Err: err}
	}

	src, err := endpoint.New(endpointParams(tc.Source))
	if err != nil {
		return fail(errors.Errorf("source: %w", err))
	}
	if src.Kind == endpoint.KindEmail {
		return fail(errors.Errorf("source: email endpoint %s cannot be read from", src))
	}
	dst, err := endpoint.New(endpointParams(tc.Destination))
	if err != nil {
		return fail(errors.Errorf("destination: %w", err))
	}

	specs := make([]shared.SourcePathSpec, 0, len(tc.Paths)+1)
	specs = append(specs, shared.SourcePathSpec{
		Folder:            tc.SourceFolder,
		FileMask:          tc.FileMask,
		FileRegex:         tc.FileRegex,
		DestinationFolder: tc.DestinationFolder,
	})
	for _, p := range tc.Paths {
		specs = append(specs, shared.SourcePathSpec{
			Folder:            p.Folder,
			FileMask:          p.FileMask,
			FileRegex:         p.FileRegex,
			DestinationFolder: p.DestinationFolder,
		})
	}
	valid := specs[:0]
	for _, s := range specs {
		if s.Valid() {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return fail(ErrNoSourcePaths)
	}

	opts := Options{
		CopyOnly:                tc.CopyOnly,
		RenameReplacement:       tc.RenameReplacement,
		DeferRename:             tc.DeferRename,
		SourceRenameReplacement: tc.SourceRenameReplacement,
		PreventOverwrite:        tc.PreventOverwrite,
		LedgerFile:              tc.LedgerFile,
		LedgerMaxAge:            time.Duration(tc.LedgerMaxAgeDays) * 24 * time.Hour,
		SuppressErrors:          tc.SuppressErrors,
	}
	if tc.RenameRegex != "" {
		if opts.RenameRegex, err = regexp.Compile(tc.RenameRegex); err != nil {
			return fail(errors.Errorf("rename regex: %w", err))
		}
	}
	if tc.SourceRenameRegex != "" {
		if opts.SourceRenameRegex, err = regexp.Compile(tc.SourceRenameRegex); err != nil {
			return fail(errors.Errorf("source rename regex: %w", err))
		}
	}

	return &Task{
		Name:        tc.Name,
		Source:      src,
		Destination: dst,
		Paths:       valid,
		Options:     opts,
	}, nil
}
