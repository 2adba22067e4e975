// Package mocks provides in-memory test doubles for assetbridge interfaces.
package mocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

type storedObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MockStorageBackend implements backend.Backend for testing.
// It provides thread-safe in-memory storage with configurable error injection.
type MockStorageBackend struct {
	mu sync.RWMutex

	objects map[string]map[string]storedObject // bucket -> key -> object

	// Error injection
	initErr         error
	putObjectErr    error
	getObjectErr    error
	statObjectErr   error
	objectExistsErr error
	listObjectsErr  error
	deleteObjectErr error

	// failPuts makes the next n PutObject calls fail with failPutErr.
	failPuts   int
	failPutErr error

	// getDelay holds GetObject until it passes or ctx is done.
	getDelay time.Duration

	// Call counters
	putCalls    int
	getCalls    int
	existsCalls int
}

// NewMockStorageBackend creates a new MockStorageBackend.
func NewMockStorageBackend() *MockStorageBackend {
	return &MockStorageBackend{
		objects: make(map[string]map[string]storedObject),
	}
}

// SetInitError sets the error to return on Init calls.
func (m *MockStorageBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// SetPutObjectError sets the error to return on every PutObject call.
func (m *MockStorageBackend) SetPutObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putObjectErr = err
}

// FailPuts makes the next n PutObject calls fail with err, then succeed.
func (m *MockStorageBackend) FailPuts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts = n
	m.failPutErr = err
}

// SetGetObjectError sets the error to return on GetObject calls.
func (m *MockStorageBackend) SetGetObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getObjectErr = err
}

// SetGetObjectDelay makes GetObject wait d before answering.
func (m *MockStorageBackend) SetGetObjectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getDelay = d
}

// SetStatObjectError sets the error to return on StatObject calls.
func (m *MockStorageBackend) SetStatObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statObjectErr = err
}

// SetObjectExistsError sets the error to return on ObjectExists calls.
func (m *MockStorageBackend) SetObjectExistsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectExistsErr = err
}

// SetListObjectsError sets the error to return on ListObjects calls.
func (m *MockStorageBackend) SetListObjectsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listObjectsErr = err
}

// SetDeleteObjectError sets the error to return on DeleteObject calls.
func (m *MockStorageBackend) SetDeleteObjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteObjectErr = err
}

// AddObject adds an object directly to the mock store (for test setup).
func (m *MockStorageBackend) AddObject(bucket, key string, content []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(bucket, key, content, contentType)
}

// GetStoredObject returns the stored object content (for test assertions).
func (m *MockStorageBackend) GetStoredObject(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if objs, ok := m.objects[bucket]; ok {
		if obj, ok := objs[key]; ok {
			return obj.data, true
		}
	}
	return nil, false
}

// ObjectCount returns the number of stored objects across all buckets.
func (m *MockStorageBackend) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, objs := range m.objects {
		n += len(objs)
	}
	return n
}

// PutCalls returns the number of PutObject calls, failed ones included.
func (m *MockStorageBackend) PutCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putCalls
}

// GetCalls returns the number of GetObject calls.
func (m *MockStorageBackend) GetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls
}

// ExistsCalls returns the number of ObjectExists calls.
func (m *MockStorageBackend) ExistsCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsCalls
}

func (m *MockStorageBackend) put(bucket, key string, content []byte, contentType string) {
	if m.objects[bucket] == nil {
		m.objects[bucket] = make(map[string]storedObject)
	}
	m.objects[bucket][key] = storedObject{data: content, contentType: contentType, modified: time.Now().UTC()}
}

func (m *MockStorageBackend) lookup(bucket, key string) (storedObject, bool) {
	objs, ok := m.objects[bucket]
	if !ok {
		return storedObject{}, false
	}
	obj, ok := objs[key]
	return obj, ok
}

// Init implements backend.Backend interface.
func (m *MockStorageBackend) Init(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initErr
}

// Close implements backend.Backend interface.
func (m *MockStorageBackend) Close() error {
	return nil
}

// PutObject implements backend.Backend interface.
func (m *MockStorageBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (*backend.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.putObjectErr != nil {
		return nil, m.putObjectErr
	}
	if m.failPuts > 0 {
		m.failPuts--
		return nil, m.failPutErr
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(content)) != size {
		return nil, fmt.Errorf("size mismatch: got %d, want %d", len(content), size)
	}
	m.put(bucket, key, content, contentType)
	return &backend.PutResult{
		ETag: "mock-etag",
		Size: int64(len(content)),
	}, nil
}

// GetObject implements backend.Backend interface.
func (m *MockStorageBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	m.mu.RLock()
	delay := m.getDelay
	m.mu.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, context.Cause(ctx)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getObjectErr != nil {
		return nil, nil, m.getObjectErr
	}
	obj, ok := m.lookup(bucket, key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), info(key, obj), nil
}

// StatObject implements backend.Backend interface.
func (m *MockStorageBackend) StatObject(ctx context.Context, bucket, key string) (*backend.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.statObjectErr != nil {
		return nil, m.statObjectErr
	}
	obj, ok := m.lookup(bucket, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
	}
	return info(key, obj), nil
}

// ObjectExists implements backend.Backend interface.
func (m *MockStorageBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.objectExistsErr != nil {
		return false, m.objectExistsErr
	}
	_, ok := m.lookup(bucket, key)
	return ok, nil
}

// ListObjects implements backend.Backend interface.
func (m *MockStorageBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listObjectsErr != nil {
		return nil, m.listObjectsErr
	}
	var keys []string
	for k := range m.objects[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObject implements backend.Backend interface.
func (m *MockStorageBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteObjectErr != nil {
		return m.deleteObjectErr
	}
	if objs, ok := m.objects[bucket]; ok {
		delete(objs, key)
	}
	return nil
}

func info(key string, obj storedObject) *backend.ObjectInfo {
	return &backend.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		ETag:         "mock-etag",
		LastModified: obj.modified,
	}
}

var _ backend.Backend = (*MockStorageBackend)(nil)
