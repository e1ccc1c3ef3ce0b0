// Package metastore keeps one JSON document per file record. Documents are
// independent of each other, so a damaged one never hides the rest.
package metastore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pavel-fokin/files-intake/internal/files"
	"github.com/pavel-fokin/files-intake/internal/fs"
)

const docSuffix = ".json"

// document is the on-disk shape of a record. Older documents carry only
// Path, an absolute filesystem path; newer ones carry RelativePath.
type document struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"original_name"`
	StoredName   string     `json:"stored_name"`
	MimeType     string     `json:"mime_type"`
	Size         int64      `json:"size"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	Backend      files.Kind `json:"backend,omitempty"`
	RelativePath string     `json:"relative_path,omitempty"`
	Path         string     `json:"path,omitempty"`
	URL          string     `json:"url,omitempty"`
	Handle       string     `json:"handle,omitempty"`
}

// Store implements files.Repository on a directory of JSON documents.
type Store struct {
	dir  string
	root string
}

// New creates a store under dir. root is the local storage root used to
// normalize legacy absolute paths.
func New(dir, root string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	return &Store{dir: dir, root: absRoot}, nil
}

// Create writes the record. It refuses to overwrite an existing one.
func (s *Store) Create(ctx context.Context, file *files.File) error {
	if !files.ValidID(file.ID) {
		return fmt.Errorf("invalid file id %q", file.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p := s.docPath(file.ID)
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("record %s already exists", file.ID)
	}

	data, err := json.MarshalIndent(toDocument(file), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return writeAtomic(p, data)
}

// FindByID reads the record for id.
func (s *Store) FindByID(ctx context.Context, id string) (*files.File, error) {
	if !files.ValidID(id) {
		return nil, files.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(s.docPath(id))
}

// List reads every record, newest first. Documents that cannot be read or
// decoded are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*files.File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	list := make([]*files.File, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), docSuffix) {
			continue
		}
		file, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable metadata record", "record", entry.Name(), "error", err)
			continue
		}
		list = append(list, file)
	}

	slices.SortFunc(list, func(a, b *files.File) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list, nil
}

// Delete removes the record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !files.ValidID(id) {
		return files.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.docPath(id)); err != nil {
		if os.IsNotExist(err) {
			return files.ErrNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Store) docPath(id string) string {
	return filepath.Join(s.dir, id+docSuffix)
}

func (s *Store) read(p string) (*files.File, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", filepath.Base(p), err)
	}
	return Normalize(s.root, doc.toFile(), doc.Path)
}

// Normalize turns a record loaded from storage into its canonical form:
// local records end up with a root-relative Locator.Path, taken from
// legacyPath when the relative path is absent.
func Normalize(root string, file *files.File, legacyPath string) (*files.File, error) {
	if file.ID == "" {
		return nil, errors.New("record has no id")
	}
	if file.Backend == "" {
		file.Backend = files.KindLocal
	}
	if file.Backend != files.KindLocal {
		return file, nil
	}

	if file.Locator.Path == "" {
		if legacyPath == "" {
			return nil, fmt.Errorf("record %s has no path", file.ID)
		}
		rel, err := fs.Relative(root, legacyPath)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", file.ID, err)
		}
		file.Locator.Path = rel
	}

	clean := path.Clean(file.Locator.Path)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("record %s: %w: %q", file.ID, files.ErrOutsideRoot, file.Locator.Path)
	}
	file.Locator.Path = clean
	if file.StoredName == "" {
		file.StoredName = path.Base(clean)
	}
	return file, nil
}

func toDocument(f *files.File) document {
	return document{
		ID:           f.ID,
		OriginalName: f.OriginalName,
		StoredName:   f.StoredName,
		MimeType:     f.MimeType,
		Size:         f.Size,
		UploadedAt:   f.UploadedAt,
		Backend:      f.Backend,
		RelativePath: f.Locator.Path,
		URL:          f.Locator.URL,
		Handle:       f.Locator.Handle,
	}
}

func (d document) toFile() *files.File {
	return &files.File{
		ID:           d.ID,
		OriginalName: d.OriginalName,
		StoredName:   d.StoredName,
		MimeType:     d.MimeType,
		Size:         d.Size,
		UploadedAt:   d.UploadedAt,
		Backend:      d.Backend,
		Locator: files.Locator{
			Path:   d.RelativePath,
			URL:    d.URL,
			Handle: d.Handle,
		},
	}
}

// writeAtomic writes data to a temp file, syncs and renames it into place.
func writeAtomic(p string, data []byte) error {
	tmp := p + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create record file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move record into place: %w", err)
	}
	return nil
}
