// Package blob serves stored report files with per-plan size caps. Reads
// go through an afero filesystem so tests run against memory.
package blob

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/valyala/bytebufferpool"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
)

// Result is one capped read.
type Result struct {
	Path      string    `json:"path"`
	Content   []byte    `json:"content"`
	Size      int64     `json:"size"`
	Truncated bool      `json:"truncated"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata is the sidecar row from markdown_files_metadata, attached
// best-effort when the table knows the file.
type Metadata struct {
	CompanyID int64     `json:"company_id"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads blobs from a rooted filesystem.
type Store struct {
	fs       afero.Fs
	db       *db.DB
	maxBytes int64
}

// NewStore creates a blob store over the configured root directory.
// database may be nil; metadata lookups are then skipped.
func NewStore(cfg *config.StorageConfig, database *db.DB) *Store {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), cfg.Root)
	return &Store{fs: base, db: database, maxBytes: maxBytes}
}

// NewStoreWithFs creates a store over an explicit filesystem.
func NewStoreWithFs(fs afero.Fs, database *db.DB, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = 10_000_000
	}
	return &Store{fs: fs, db: database, maxBytes: maxBytes}
}

// Read returns at most min(requested, plan cap, store cap) bytes of the
// file. requested <= 0 means no caller preference. The Truncated flag is
// set when the file held more than was returned.
func (s *Store) Read(ctx context.Context, name string, requested, planCap int64) (*Result, error) {
	clean, err := sanitize(name)
	if err != nil {
		return nil, err
	}

	limit := s.maxBytes
	if planCap > 0 && planCap < limit {
		limit = planCap
	}
	if requested > 0 && requested < limit {
		limit = requested
	}

	f, err := s.fs.Open(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to open blob")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat blob")
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	n, err := io.Copy(buf, io.LimitReader(f, limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read blob")
	}

	res := &Result{
		Path:      clean,
		Content:   append([]byte(nil), buf.B[:n]...),
		Size:      info.Size(),
		Truncated: info.Size() > n,
	}
	res.Metadata = s.lookupMetadata(ctx, clean)
	return res, nil
}

// lookupMetadata fetches the sidecar row. Failures only cost the caller
// the metadata, never the content.
func (s *Store) lookupMetadata(ctx context.Context, name string) *Metadata {
	if s.db == nil {
		return nil
	}
	query := s.db.Rebind(`SELECT company_id, size_bytes, updated_at
	          FROM markdown_files_metadata WHERE path = ?`)

	var md Metadata
	err := s.db.QueryRowContext(ctx, query, name).Scan(&md.CompanyID, &md.SizeBytes, &md.UpdatedAt)
	if err != nil {
		return nil
	}
	return &md
}

func sanitize(name string) (string, error) {
	if name == "" {
		return "", ErrBadPath
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", ErrBadPath
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return "", ErrBadPath
	}
	return clean, nil
}

// Error definitions
var (
	ErrNotFound = errors.New("blob not found")
	ErrBadPath  = errors.New("invalid blob path")
)
