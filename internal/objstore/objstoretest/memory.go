// Package objstoretest provides an in-memory object store client for tests.
package objstoretest

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

// Memory keeps objects in memory and lists them the way a bucket listing
// with metadata does: keys in lexical order, user metadata under
// X-Amz-Meta- keys.
type Memory struct {
	// PutErr and ListErr, when set, fail every upload or listing.
	PutErr  error
	ListErr error

	mu      sync.Mutex
	objects map[string]minio.ObjectInfo
	data    map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]minio.ObjectInfo),
		data:    make(map[string][]byte),
	}
}

func (m *Memory) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.PutErr != nil {
		return minio.UploadInfo{}, m.PutErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	userMetadata := make(map[string]string, len(opts.UserMetadata))
	for k, v := range opts.UserMetadata {
		userMetadata["X-Amz-Meta-"+http.CanonicalHeaderKey(k)] = v
	}
	header := http.Header{}
	header.Set("Content-Disposition", opts.ContentDisposition)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[objectName] = data
	m.objects[objectName] = minio.ObjectInfo{
		Key:          objectName,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
		Metadata:     header,
		UserMetadata: userMetadata,
		UserTags:     opts.UserTags,
	}
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: int64(len(data))}, nil
}

func (m *Memory) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectName]; !ok {
		return minio.ErrorResponse{Code: "NoSuchKey", Key: objectName}
	}
	delete(m.objects, objectName)
	delete(m.data, objectName)
	return nil
}

func (m *Memory) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	m.mu.Lock()
	var matched []minio.ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			matched = append(matched, obj)
		}
	}
	listErr := m.ListErr
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		if listErr != nil {
			select {
			case ch <- minio.ObjectInfo{Err: listErr}:
			case <-ctx.Done():
			}
			return
		}
		for _, obj := range matched {
			select {
			case ch <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Add stores obj as is, bypassing PutObject.
func (m *Memory) Add(obj minio.ObjectInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.Key] = obj
}

// Object returns the listing entry for key.
func (m *Memory) Object(key string) (minio.ObjectInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Data returns the bytes stored under key.
func (m *Memory) Data(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
