package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

type memoryObject struct {
	data        []byte
	contentType string
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	bucket  string
	now     func() time.Time
}

func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "thumbflow"
	}
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		bucket:  bucket,
		now:     time.Now,
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: cp, contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, domain.Permanent(domain.ErrorKindSourceMissing, fmt.Errorf("get object %s: %w", key, ErrNotFound))
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {strconv.FormatInt(s.now().Add(ttl).Unix(), 10)}}.Encode(),
	}
	return u.String(), nil
}

func (s *MemoryStore) Open(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse presigned url: %w", err)
	}
	if u.Scheme != "memory" || u.Host != s.bucket {
		return nil, "", fmt.Errorf("url %s does not belong to bucket %s", rawURL, s.bucket)
	}
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("parse presigned url expiry: %w", err)
	}
	if s.now().Unix() > expires {
		return nil, "", fmt.Errorf("presigned url expired")
	}

	key := u.Path[1:]
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	contentType := s.objects[key].contentType
	s.mu.RUnlock()
	return data, contentType, nil
}
