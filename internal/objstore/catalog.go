package objstore

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/pavel-fokin/files-intake/internal/files"
)

// Catalog implements files.Repository by listing the bucket. Every call
// hits the provider; nothing is cached between calls.
type Catalog struct {
	storage *Storage
}

// Create is a no-op: the object store persisted the metadata with the
// object itself.
func (c *Catalog) Create(ctx context.Context, file *files.File) error {
	return nil
}

// Delete is a no-op: removing the object removed its metadata.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	return nil
}

// FindByID lists the objects whose key starts with <folder>/<id>.
func (c *Catalog) FindByID(ctx context.Context, id string) (*files.File, error) {
	if !files.ValidID(id) {
		return nil, files.ErrNotFound
	}

	list, err := c.list(ctx, c.storage.objectKey(id))
	if err != nil {
		return nil, err
	}
	for _, file := range list {
		if file.ID == id {
			return file, nil
		}
	}
	return nil, files.ErrNotFound
}

// List returns the newest records under the configured folder, newest
// first, capped at the configured list limit.
func (c *Catalog) List(ctx context.Context) ([]*files.File, error) {
	prefix := ""
	if c.storage.folder != "" {
		prefix = c.storage.folder + "/"
	}
	return c.list(ctx, prefix)
}

// list walks every object under prefix and keeps the listLimit newest
// records, sorted newest first. The provider returns keys in lexical
// order, so the walk cannot stop early.
func (c *Catalog) list(ctx context.Context, prefix string) ([]*files.File, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := c.storage.listLimit
	opts := minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}

	newest := make([]*files.File, 0, min(limit, 64))
	for obj := range c.storage.client.ListObjects(ctx, c.storage.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, obj.Err)
		}
		file, ok := c.toFile(obj)
		if !ok {
			continue
		}
		i, _ := slices.BinarySearchFunc(newest, file, newestFirst)
		if i >= limit {
			continue
		}
		newest = slices.Insert(newest, i, file)
		if len(newest) > limit {
			newest = newest[:limit]
		}
	}
	return newest, nil
}

func newestFirst(a, b *files.File) int {
	if n := b.UploadedAt.Compare(a.UploadedAt); n != 0 {
		return n
	}
	return cmp.Compare(a.ID, b.ID)
}

// toFile rebuilds a record from a listed object. Objects whose key does
// not carry a file id are not ours and are skipped.
func (c *Catalog) toFile(obj minio.ObjectInfo) (*files.File, bool) {
	base := path.Base(obj.Key)
	id := strings.TrimSuffix(base, path.Ext(base))
	if !files.ValidID(id) {
		return nil, false
	}

	uploadedAt := obj.LastModified.UTC()
	if v := metaValue(obj.UserMetadata, metaUploadedAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			uploadedAt = t.UTC()
		}
	}

	return &files.File{
		ID:           id,
		OriginalName: originalName(obj),
		StoredName:   obj.Key,
		MimeType:     obj.ContentType,
		Size:         obj.Size,
		UploadedAt:   uploadedAt,
		Backend:      files.KindRemote,
		Locator: files.Locator{
			URL:    c.storage.PublicURL(obj.Key),
			Handle: obj.Key,
		},
	}, true
}

// originalName recovers the display name of an object. The lookup order
// is fixed so an object always resolves to the same name:
// custom metadata, legacy context, Content-Disposition, tag, object key.
func originalName(obj minio.ObjectInfo) string {
	if v := metaValue(obj.UserMetadata, metaOriginalName); v != "" {
		return unescape(v)
	}

	if v := contextValue(metaValue(obj.UserMetadata, metaContext)); v != "" {
		return v
	}

	disposition := obj.Metadata.Get("Content-Disposition")
	if disposition == "" {
		disposition = metaValue(obj.UserMetadata, "content-disposition")
	}
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}

	if v := metaValue(obj.UserTags, tagOriginalName); v != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(v); err == nil && len(decoded) > 0 {
			return string(decoded)
		}
	}

	return path.Base(obj.Key)
}

// metaValue looks a key up case-insensitively, ignoring the x-amz-meta-
// prefix listings may keep.
func metaValue(m map[string]string, key string) string {
	for k, v := range m {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if k == key {
			return v
		}
	}
	return ""
}

// contextValue extracts the file name from a legacy "k=v|k=v" context field.
func contextValue(raw string) string {
	if raw == "" {
		return ""
	}
	for _, pair := range strings.Split(raw, "|") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "filename", "original_filename":
			if v = strings.TrimSpace(v); v != "" {
				return unescape(v)
			}
		}
	}
	return ""
}

func unescape(v string) string {
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
