package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// mockPillar is an in-memory Pillar for unit testing.
type mockPillar struct {
	name string

	mu       sync.Mutex
	objects  map[string]mockObject
	putErr   error
	getErr   error
	headErr  error
	listErr  error
	delErr   error
	putCalls int
	getCalls int
	corrupt  bool // serve bytes that do not match the stored checksum
}

type mockObject struct {
	data     []byte
	checksum string
}

func newMockPillar(name string) *mockPillar {
	return &mockPillar{name: name, objects: make(map[string]mockObject)}
}

var _ Pillar = (*mockPillar)(nil)

func (m *mockPillar) Name() string { return m.name }

func (m *mockPillar) PutObject(_ context.Context, key string, body io.ReadSeeker, _ int64, checksum string) error {
	m.mu.Lock()
	m.putCalls++
	err := m.putErr
	m.mu.Unlock()
	if err != nil {
		return err
	}

	// Read body outside the lock; uploads to several pillars run concurrently
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.objects[key] = mockObject{data: data, checksum: checksum}
	m.mu.Unlock()
	return nil
}

func (m *mockPillar) GetObject(_ context.Context, key string, rng *ByteRange) (*GetObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	// Return a copy so the caller can read after the lock is released
	data := append([]byte(nil), obj.data...)
	if m.corrupt && len(data) > 0 {
		data[0] ^= 0xff
	}
	if rng != nil {
		end := int64(len(data))
		if rng.Length > 0 && rng.Offset+rng.Length < end {
			end = rng.Offset + rng.Length
		}
		data = data[rng.Offset:end]
	}
	return &GetObjectResult{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Size:     int64(len(data)),
		Checksum: obj.checksum,
	}, nil
}

func (m *mockPillar) HeadObject(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return nil, m.headErr
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), Checksum: obj.checksum, LastModified: time.Now()}, nil
}

func (m *mockPillar) ListObjects(_ context.Context, prefix string, fn func([]ObjectInfo) error) error {
	m.mu.Lock()
	if m.listErr != nil {
		m.mu.Unlock()
		return m.listErr
	}
	var page []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			page = append(page, ObjectInfo{Key: key, Size: int64(len(obj.data)), Checksum: obj.checksum})
		}
	}
	m.mu.Unlock()

	if len(page) == 0 {
		return nil
	}
	return fn(page)
}

func (m *mockPillar) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.objects, key)
	return nil
}

// seed stores data under key with its real MD5.
func (m *mockPillar) seed(key string, data []byte) {
	sum := md5.Sum(data)
	m.mu.Lock()
	m.objects[key] = mockObject{data: data, checksum: hex.EncodeToString(sum[:])}
	m.mu.Unlock()
}

// hasObject returns true if the key exists in the mock pillar.
func (m *mockPillar) hasObject(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
