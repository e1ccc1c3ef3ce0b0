package objstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/pavel-fokin/files-intake/internal/files"
	"github.com/pavel-fokin/files-intake/internal/fs"
)

// Object metadata and tag keys written on upload.
const (
	metaOriginalName = "original-name"
	metaUploadedAt   = "uploaded-at"
	metaFileID       = "file-id"
	metaContext      = "context"
	tagOriginalName  = "original-name-b64"

	// S3 limits tag values to 256 characters.
	maxTagValue = 256

	defaultListLimit = 500
)

// Storage implements files.Backend on an object store bucket.
type Storage struct {
	client     Client
	bucket     string
	folder     string
	publicBase string
	listLimit  int
}

// NewStorage wraps client. The bucket is expected to exist.
func NewStorage(client Client, cfg Config) *Storage {
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return &Storage{
		client:     client,
		bucket:     cfg.Bucket,
		folder:     strings.Trim(cfg.Folder, "/"),
		publicBase: strings.TrimRight(cfg.PublicBase, "/"),
		listLimit:  limit,
	}
}

func (s *Storage) Kind() files.Kind {
	return files.KindRemote
}

// Store uploads content under <folder>/<id><ext>.
func (s *Storage) Store(ctx context.Context, id string, content io.Reader, size int64, originalName, mimeType string, uploadedAt time.Time) (*files.File, error) {
	key := s.objectKey(id + fs.Extension(originalName))

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts := minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: mime.FormatMediaType("attachment", map[string]string{"filename": originalName}),
		UserMetadata: map[string]string{
			metaOriginalName: url.PathEscape(originalName),
			metaUploadedAt:   uploadedAt.UTC().Format(time.RFC3339Nano),
			metaFileID:       id,
		},
	}
	if encoded := base64.RawURLEncoding.EncodeToString([]byte(originalName)); len(encoded) <= maxTagValue {
		opts.UserTags = map[string]string{tagOriginalName: encoded}
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, content, size, opts)
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", key, err)
	}

	stored := size
	if info.Size > 0 {
		stored = info.Size
	}

	return &files.File{
		ID:           id,
		OriginalName: originalName,
		StoredName:   key,
		MimeType:     contentType,
		Size:         stored,
		UploadedAt:   uploadedAt,
		Backend:      files.KindRemote,
		Locator: files.Locator{
			URL:    s.PublicURL(key),
			Handle: key,
		},
	}, nil
}

// Retrieve returns the public URL; bytes are never proxied.
func (s *Storage) Retrieve(ctx context.Context, file *files.File) (*files.Content, error) {
	location := file.Locator.URL
	if location == "" {
		location = s.PublicURL(handle(file))
	}
	return &files.Content{RedirectURL: location}, nil
}

// Remove deletes the object by its handle. Deleting a missing key succeeds.
func (s *Storage) Remove(ctx context.Context, file *files.File) error {
	key := handle(file)
	if key == "" {
		return fmt.Errorf("file %s has no object handle", file.ID)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// PublicURL returns the browser-accessible URL for the given key.
func (s *Storage) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

// Catalog returns the metadata view over the same bucket and folder.
func (s *Storage) Catalog() *Catalog {
	return &Catalog{storage: s}
}

func (s *Storage) objectKey(name string) string {
	if s.folder == "" {
		return name
	}
	return path.Join(s.folder, name)
}

func handle(file *files.File) string {
	if file.Locator.Handle != "" {
		return file.Locator.Handle
	}
	return file.StoredName
}
