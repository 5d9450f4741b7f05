package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"fileferry/pkg/config"
	"fileferry/pkg/endpoint"
	"fileferry/pkg/ledger"
	"fileferry/pkg/logger"
	"fileferry/pkg/shared"
	"fileferry/pkg/storage"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func quietLogger() *logger.Logger {
	return logger.New(io.Discard)
}

func newTestTransferer() *Transferer {
	return NewTransferer(storage.NewFactory(storage.FactoryOptions{Logger: quietLogger()}), quietLogger())
}

func folderEndpoint(t *testing.T, p endpoint.Params) *endpoint.Config {
	t.Helper()
	cfg, err := endpoint.New(p)
	require.NoError(t, err)
	return cfg
}

func folderTask(t *testing.T, src, dst string, opts Options) *Task {
	t.Helper()
	return &Task{
		Name:        "test",
		Source:      folderEndpoint(t, endpoint.Params{Location: src}),
		Destination: folderEndpoint(t, endpoint.Params{Location: dst}),
		Paths:       []shared.SourcePathSpec{{FileMask: "*"}},
		Options:     opts,
	}
}

func writeFile(t *testing.T, path string, content []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Read(path)
	require.NoError(t, err)
	return l
}

func TestDedupAgainstLedger(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	ledgerPath := filepath.Join(root, "ledger.json")
	mtime := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "in", "a.txt"), bytes.Repeat([]byte("x"), 100), mtime)

	store, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	seeded := ledger.New()
	seeded.Add(shared.FileRecord{
		Folder:        filepath.Join(src, "in"),
		Name:          "a.txt",
		LastWriteTime: &mtime,
		Size:          100,
		DownloadedAt:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, store.Save(seeded))
	require.NoError(t, store.Close())

	task := folderTask(t, src, dst, Options{CopyOnly: true, LedgerFile: ledgerPath})
	task.Paths = []shared.SourcePathSpec{{Folder: "in", FileMask: "*.txt"}}
	tr := newTestTransferer()

	res, err := tr.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Transferred)
	assert.False(t, exists(filepath.Join(dst, "a.txt")))

	// Same name and time, one byte more: a different file.
	writeFile(t, filepath.Join(src, "in", "a.txt"), bytes.Repeat([]byte("x"), 101), mtime)
	res, err = tr.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.Transferred, 1)
	assert.True(t, exists(filepath.Join(dst, "a.txt")))
	assert.Equal(t, 2, readLedger(t, ledgerPath).Len())

	res, err = tr.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Transferred)
}

func TestLedgerPrunedAtStart(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(root, "ledger.json")

	store, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	seeded := ledger.New()
	seeded.Add(shared.FileRecord{Folder: "/old", Name: "a", DownloadedAt: time.Now().Add(-72 * time.Hour)})
	seeded.Add(shared.FileRecord{Folder: "/old", Name: "b", DownloadedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, store.Save(seeded))
	require.NoError(t, store.Close())

	task := folderTask(t, filepath.Join(root, "empty"), filepath.Join(root, "dst"), Options{
		LedgerFile:   ledgerPath,
		LedgerMaxAge: 24 * time.Hour,
	})
	res, err := newTestTransferer().Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, 1, readLedger(t, ledgerPath).Len())
}

func TestRenamePolicies(t *testing.T) {
	txtToCSV := regexp.MustCompile(`\.txt$`)
	noMatch := regexp.MustCompile(`^zzz`)
	all := regexp.MustCompile(`^(.+)$`)

	tests := []struct {
		name       string
		opts       Options
		wantDst    string
		wantSrc    []string
		goneSrc    []string
		wantSuffix string
		existing   map[string]string
	}{
		{
			name:       "rename then transfer",
			opts:       Options{CopyOnly: true, RenameRegex: txtToCSV, RenameReplacement: ".csv"},
			wantDst:    "data.csv",
			wantSrc:    []string{"data.txt"},
			wantSuffix: "data.csv",
		},
		{
			name:       "deferred rename",
			opts:       Options{CopyOnly: true, RenameRegex: txtToCSV, RenameReplacement: ".csv", DeferRename: true},
			wantDst:    "data.csv",
			wantSrc:    []string{"data.txt"},
			wantSuffix: "data.csv",
		},
		{
			name:       "deferred rename to the same path is skipped",
			opts:       Options{CopyOnly: true, RenameRegex: noMatch, RenameReplacement: "x", DeferRename: true},
			wantDst:    "data.txt",
			wantSrc:    []string{"data.txt"},
			wantSuffix: "data.txt",
		},
		{
			name:       "deferred rename never replaces an existing file",
			opts:       Options{CopyOnly: true, RenameRegex: txtToCSV, RenameReplacement: ".csv", DeferRename: true, PreventOverwrite: true},
			existing:   map[string]string{"data.csv": "EXISTING"},
			wantDst:    "data.csv.0",
			wantSrc:    []string{"data.txt"},
			wantSuffix: "data.csv.0",
		},
		{
			name:       "rename then transfer never replaces an existing file",
			opts:       Options{CopyOnly: true, RenameRegex: txtToCSV, RenameReplacement: ".csv", PreventOverwrite: true},
			existing:   map[string]string{"data.csv": "EXISTING"},
			wantDst:    "data.csv.0",
			wantSrc:    []string{"data.txt"},
			wantSuffix: "data.csv.0",
		},
		{
			name:    "source renamed into archive",
			opts:    Options{SourceRenameRegex: all, SourceRenameReplacement: "archive/$1"},
			wantDst: "data.txt",
			wantSrc: []string{"archive/data.txt"},
			goneSrc: []string{"data.txt"},
		},
		{
			name:    "source rename to itself is skipped",
			opts:    Options{SourceRenameRegex: all, SourceRenameReplacement: "$1"},
			wantDst: "data.txt",
			wantSrc: []string{"data.txt"},
		},
		{
			name:    "source deleted",
			opts:    Options{},
			wantDst: "data.txt",
			goneSrc: []string{"data.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			src := filepath.Join(root, "src")
			dst := filepath.Join(root, "dst")
			writeFile(t, filepath.Join(src, "data.txt"), []byte("payload"), time.Time{})
			for name, content := range tt.existing {
				writeFile(t, filepath.Join(dst, name), []byte(content), time.Time{})
			}

			res, err := newTestTransferer().Run(context.Background(), folderTask(t, src, dst, tt.opts))
			require.NoError(t, err)
			require.Len(t, res.Transferred, 1)
			assert.Zero(t, res.PostProcessErrors)
			if tt.wantSuffix != "" {
				assert.True(t, strings.HasSuffix(res.Transferred[0], tt.wantSuffix), res.Transferred[0])
			}

			data, err := os.ReadFile(filepath.Join(dst, tt.wantDst))
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))

			for _, p := range tt.wantSrc {
				assert.True(t, exists(filepath.Join(src, p)), "expected %s at source", p)
			}
			for _, p := range tt.goneSrc {
				assert.False(t, exists(filepath.Join(src, p)), "expected %s gone from source", p)
			}
			for name, content := range tt.existing {
				data, err := os.ReadFile(filepath.Join(dst, name))
				require.NoError(t, err)
				assert.Equal(t, content, string(data), "existing %s must be kept", name)
			}
		})
	}
}

func TestSameFolderKeepsSourceIntact(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		wantSkipped bool
		wantCopy    string
	}{
		{
			name:        "copy onto itself is skipped",
			opts:        Options{CopyOnly: true},
			wantSkipped: true,
		},
		{
			name:        "skipped file is not deleted at the source",
			opts:        Options{},
			wantSkipped: true,
		},
		{
			name:        "deferred rename writes under the source name first",
			opts:        Options{CopyOnly: true, RenameRegex: regexp.MustCompile(`\.txt$`), RenameReplacement: ".csv", DeferRename: true},
			wantSkipped: true,
		},
		{
			name:     "prevent overwrite copies beside the source",
			opts:     Options{CopyOnly: true, PreventOverwrite: true},
			wantCopy: "a.txt.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			ledgerPath := filepath.Join(t.TempDir(), "ledger.json")
			writeFile(t, filepath.Join(root, "a.txt"), []byte("payload"), time.Time{})

			opts := tt.opts
			opts.LedgerFile = ledgerPath
			task := folderTask(t, root, root, opts)
			task.Paths = []shared.SourcePathSpec{{FileMask: "a.txt"}}

			res, err := newTestTransferer().Run(context.Background(), task)
			require.NoError(t, err)
			assert.Empty(t, res.Failed)

			data, err := os.ReadFile(filepath.Join(root, "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))

			if tt.wantSkipped {
				assert.Len(t, res.SamePath, 1)
				assert.Empty(t, res.Transferred)
				assert.Zero(t, readLedger(t, ledgerPath).Len())
				return
			}
			require.Len(t, res.Transferred, 1)
			copied, err := os.ReadFile(filepath.Join(root, tt.wantCopy))
			require.NoError(t, err)
			assert.Equal(t, "payload", string(copied))
		})
	}
}

func TestErrorPolicy(t *testing.T) {
	for _, suppress := range []bool{true, false} {
		name := "abort on first error"
		if suppress {
			name = "suppress errors"
		}
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			src := filepath.Join(root, "src")
			dst := filepath.Join(root, "dst")
			ledgerPath := filepath.Join(root, "ledger.json")
			for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
				writeFile(t, filepath.Join(src, n), []byte(n), time.Time{})
			}
			writeFile(t, filepath.Join(dst, "b.txt"), []byte("taken"), time.Time{})
			writeFile(t, filepath.Join(dst, "b.txt.0"), []byte("taken"), time.Time{})

			task := &Task{
				Name:        "errors",
				Source:      folderEndpoint(t, endpoint.Params{Location: src}),
				Destination: folderEndpoint(t, endpoint.Params{Location: dst, DuplicateLimit: 1}),
				Paths:       []shared.SourcePathSpec{{FileMask: "*.txt"}},
				Options: Options{
					CopyOnly:         true,
					PreventOverwrite: true,
					LedgerFile:       ledgerPath,
					SuppressErrors:   suppress,
				},
			}

			res, err := newTestTransferer().Run(context.Background(), task)
			require.Len(t, res.Failed, 1)
			assert.True(t, errors.Is(res.Err(), storage.ErrTooManyDuplicates))

			var names []string
			for _, r := range readLedger(t, ledgerPath).Records() {
				names = append(names, r.Name)
			}
			if suppress {
				require.NoError(t, err)
				assert.Len(t, res.Transferred, 2)
				assert.ElementsMatch(t, []string{"a.txt", "c.txt"}, names)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, storage.ErrTooManyDuplicates), "got %v", err)
				assert.Len(t, res.Transferred, 1)
				assert.Equal(t, []string{"a.txt"}, names, "files moved before the failure are recorded")
				assert.False(t, exists(filepath.Join(dst, "c.txt")))
			}
		})
	}
}

// failingDelete is a folder source whose delete always fails.
type failingDelete struct {
	*storage.FolderConnection
}

func (f failingDelete) DeleteAtSource(ctx context.Context, path string) error {
	return errors.New("permission denied")
}

type stubFactory struct {
	source storage.Connection
	inner  *storage.Factory
}

func (s stubFactory) Create(cfg *endpoint.Config) (storage.Connection, error) {
	if s.source != nil && cfg == s.source.Config() {
		return s.source, nil
	}
	return s.inner.Create(cfg)
}

func TestSourcePostProcessFailureKeepsLedgerEntry(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	ledgerPath := filepath.Join(root, "ledger.json")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("a"), time.Time{})

	task := folderTask(t, src, filepath.Join(root, "dst"), Options{LedgerFile: ledgerPath})
	factory := stubFactory{
		source: failingDelete{storage.NewFolderConnection(task.Source, quietLogger())},
		inner:  storage.NewFactory(storage.FactoryOptions{Logger: quietLogger()}),
	}

	res, err := NewTransferer(factory, quietLogger()).Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PostProcessErrors)
	assert.Len(t, res.Transferred, 1)
	assert.Equal(t, 1, readLedger(t, ledgerPath).Len())
	assert.True(t, exists(filepath.Join(src, "a.txt")))
}

func TestLedgerLockedByAnotherRun(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(root, "ledger.json")
	held, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	defer held.Close()

	task := folderTask(t, filepath.Join(root, "src"), filepath.Join(root, "dst"), Options{LedgerFile: ledgerPath})
	_, err = newTestTransferer().Run(context.Background(), task)
	assert.True(t, errors.Is(err, ledger.ErrLocked), "got %v", err)
}

func TestConnectFailureMovesNothing(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	ledgerPath := filepath.Join(root, "ledger.json")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("a"), time.Time{})

	task := folderTask(t, src, filepath.Join(root, "dst"), Options{LedgerFile: ledgerPath})
	task.Destination = folderEndpoint(t, endpoint.Params{
		Location: filepath.Join(root, "dst"),
		KeyRing:  filepath.Join(root, "missing.asc"),
	})

	_, err := newTestTransferer().Run(context.Background(), task)
	require.Error(t, err)
	assert.True(t, exists(filepath.Join(src, "a.txt")))
	assert.Zero(t, readLedger(t, ledgerPath).Len())
}

const testPassphrase = "ferry passphrase"

var (
	keysOnce             sync.Once
	publicRing, privRing []byte
	keysErr              error
)

func testKeyRings(t *testing.T) (string, string) {
	t.Helper()
	keysOnce.Do(func() {
		e, err := openpgp.NewEntity("Ferry Test", "", "ferry@example.com", nil)
		if err != nil {
			keysErr = err
			return
		}
		var pub bytes.Buffer
		w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
		if err != nil {
			keysErr = err
			return
		}
		if keysErr = e.Serialize(w); keysErr != nil {
			return
		}
		if keysErr = w.Close(); keysErr != nil {
			return
		}

		if keysErr = e.PrivateKey.Encrypt([]byte(testPassphrase)); keysErr != nil {
			return
		}
		for _, sub := range e.Subkeys {
			if keysErr = sub.PrivateKey.Encrypt([]byte(testPassphrase)); keysErr != nil {
				return
			}
		}
		var priv bytes.Buffer
		keysErr = e.SerializePrivateWithoutSigning(&priv, nil)
		publicRing, privRing = pub.Bytes(), priv.Bytes()
	})
	require.NoError(t, keysErr)

	dir := t.TempDir()
	pubPath := filepath.Join(dir, "public.asc")
	privPath := filepath.Join(dir, "private.gpg")
	require.NoError(t, os.WriteFile(pubPath, publicRing, 0o600))
	require.NoError(t, os.WriteFile(privPath, privRing, 0o600))
	return pubPath, privPath
}

func TestEncryptedRoundTripThroughFolders(t *testing.T) {
	pubPath, privPath := testKeyRings(t)

	for _, raw := range []bool{false, true} {
		name := "armored"
		if raw {
			name = "binary"
		}
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			plainIn := filepath.Join(root, "plain-in")
			sealed := filepath.Join(root, "sealed")
			plainOut := filepath.Join(root, "plain-out")

			content := make([]byte, 300*1024+7)
			_, err := rand.Read(content)
			require.NoError(t, err)
			writeFile(t, filepath.Join(plainIn, "blob.bin"), content, time.Time{})

			tr := newTestTransferer()
			encrypt := &Task{
				Name:        "encrypt",
				Source:      folderEndpoint(t, endpoint.Params{Location: plainIn}),
				Destination: folderEndpoint(t, endpoint.Params{Location: sealed, KeyRing: pubPath, RawFormat: raw}),
				Paths:       []shared.SourcePathSpec{{FileMask: "*.bin"}},
				Options:     Options{CopyOnly: true},
			}
			res, err := tr.Run(context.Background(), encrypt)
			require.NoError(t, err)
			require.Len(t, res.Transferred, 1)

			cipherText, err := os.ReadFile(filepath.Join(sealed, "blob.bin"))
			require.NoError(t, err)
			assert.Equal(t, !raw, bytes.HasPrefix(cipherText, []byte("-----BEGIN PGP MESSAGE-----")))
			assert.False(t, bytes.Contains(cipherText, content[:64]))

			decrypt := &Task{
				Name: "decrypt",
				Source: folderEndpoint(t, endpoint.Params{
					Location:   sealed,
					KeyRing:    privPath,
					Passphrase: testPassphrase,
				}),
				Destination: folderEndpoint(t, endpoint.Params{Location: plainOut}),
				Paths:       []shared.SourcePathSpec{{FileMask: "*.bin"}},
				Options:     Options{CopyOnly: true},
			}
			res, err = tr.Run(context.Background(), decrypt)
			require.NoError(t, err)
			require.Len(t, res.Transferred, 1)

			got, err := os.ReadFile(filepath.Join(plainOut, "blob.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(content, got), "decrypted content differs")
		})
	}
}

func TestWrongPassphraseFailsFileAndLeavesNoPartial(t *testing.T) {
	pubPath, privPath := testKeyRings(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "in", "a.bin"), []byte("secret"), time.Time{})

	tr := newTestTransferer()
	_, err := tr.Run(context.Background(), &Task{
		Name:        "encrypt",
		Source:      folderEndpoint(t, endpoint.Params{Location: filepath.Join(root, "in")}),
		Destination: folderEndpoint(t, endpoint.Params{Location: filepath.Join(root, "sealed"), KeyRing: pubPath}),
		Paths:       []shared.SourcePathSpec{{FileMask: "*"}},
		Options:     Options{CopyOnly: true},
	})
	require.NoError(t, err)

	_, err = tr.Run(context.Background(), &Task{
		Name: "decrypt",
		Source: folderEndpoint(t, endpoint.Params{
			Location:   filepath.Join(root, "sealed"),
			KeyRing:    privPath,
			Passphrase: "not it",
		}),
		Destination: folderEndpoint(t, endpoint.Params{Location: filepath.Join(root, "out")}),
		Paths:       []shared.SourcePathSpec{{FileMask: "*"}},
		Options:     Options{CopyOnly: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid passphrase")
	assert.False(t, exists(filepath.Join(root, "out", "a.bin")))
}

func TestTaskFromConfig(t *testing.T) {
	base := config.TaskConfig{
		Name:              "nightly",
		Source:            config.EndpointConfig{Location: "/srv/in"},
		Destination:       config.EndpointConfig{Location: "sftp://partner.example.com/upload", User: "ferry"},
		SourceFolder:      "export",
		FileMask:          "*.xml",
		DestinationFolder: "xml",
		Paths: []config.PathConfig{
			{Folder: "late", FileMask: "*.xml"},
			{Folder: "broken"},
		},
		RenameRegex:      `\.xml$`,
		LedgerMaxAgeDays: 7,
	}

	task, err := TaskFromConfig(base)
	require.NoError(t, err)
	assert.Equal(t, endpoint.KindFolder, task.Source.Kind)
	assert.Equal(t, endpoint.KindSFTP, task.Destination.Kind)
	require.Len(t, task.Paths, 2, "the path without a mask is dropped")
	assert.Equal(t, "xml", task.Paths[0].DestinationFolder)
	assert.Equal(t, 7*24*time.Hour, task.Options.LedgerMaxAge)
	assert.NotNil(t, task.Options.RenameRegex)

	tests := []struct {
		name   string
		modify func(*config.TaskConfig)
		is     error
	}{
		{
			name: "no valid paths",
			modify: func(c *config.TaskConfig) {
				c.FileMask = ""
				c.Paths = nil
			},
			is: ErrNoSourcePaths,
		},
		{
			name:   "unrecognized source",
			modify: func(c *config.TaskConfig) { c.Source.Location = "relative/path" },
			is:     endpoint.ErrUnrecognizedLocation,
		},
		{
			name:   "email cannot be a source",
			modify: func(c *config.TaskConfig) { c.Source.Location = "ops@example.com" },
		},
		{
			name:   "bad rename regex",
			modify: func(c *config.TaskConfig) { c.RenameRegex = "(" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := base
			tc.Paths = append([]config.PathConfig(nil), base.Paths...)
			tt.modify(&tc)

			_, err := TaskFromConfig(tc)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, "nightly", cfgErr.Task)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}
}
