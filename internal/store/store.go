// Package store implements the content-addressed resource store used
// to attach reference material (images, files) to generation and chat
// context flows. Entries are deduplicated by SHA-256 content hash and
// reference counted; content is never mutated in place, edits append a
// new version under the same resource id.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/pkg/models"
)

// ResourceType classifies stored content for size limit purposes
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceFile  ResourceType = "file"
)

// Resource is one stored version of an attachment. Multiple versions
// share a ResourceID; Version orders them, highest is latest.
type Resource struct {
	ResourceID  string            `json:"resource_id"`
	Hash        string            `json:"hash"`
	Version     int               `json:"version"`
	Type        ResourceType      `json:"type"`
	DisplayName string            `json:"display_name"`
	SourceID    string            `json:"source_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Size        int64             `json:"size"`
	RefCount    int               `json:"ref_count"`
	CreatedAt   time.Time         `json:"created_at"`
	Data        []byte            `json:"data"`
}

// CreateResult reports the outcome of CreateOrReuse
type CreateResult struct {
	ResourceID string
	Hash       string
	IsNew      bool
}

// SizeLimitError reports content that exceeds the configured limit for
// its resource type. It is a caller input error, distinct from
// generation failures, and is never converted into truncation.
type SizeLimitError struct {
	Type  ResourceType
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("%s of %d bytes exceeds limit of %d bytes", e.Type, e.Size, e.Limit)
}

// ErrNotFound is returned when a resource id has no entry
var ErrNotFound = fmt.Errorf("resource not found")

// Store holds versioned resources keyed by id, with a secondary index
// by content hash for deduplication.
type Store struct {
	mu       sync.RWMutex
	versions map[string][]*Resource // resource id -> versions, oldest first
	byHash   map[string]*Resource
	cfg      config.StoreConfig
	logger   *slog.Logger
}

// NewStore creates an empty resource store
func NewStore(cfg config.StoreConfig, logger *slog.Logger) *Store {
	return &Store{
		versions: make(map[string][]*Resource),
		byHash:   make(map[string]*Resource),
		cfg:      cfg,
		logger:   logger,
	}
}

// HashContent returns the hex SHA-256 digest of data
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CreateOrReuse stores content if its hash is not already present.
// Existing content is returned with IsNew false and no duplicate
// storage; new entries start with a reference count of zero.
func (s *Store) CreateOrReuse(data []byte, typ ResourceType, displayName, sourceID string, metadata map[string]string) (CreateResult, error) {
	if err := s.checkSize(typ, int64(len(data))); err != nil {
		return CreateResult{}, err
	}

	hash := HashContent(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[hash]; ok {
		return CreateResult{ResourceID: existing.ResourceID, Hash: hash, IsNew: false}, nil
	}

	res := &Resource{
		ResourceID:  uuid.New().String(),
		Hash:        hash,
		Version:     1,
		Type:        typ,
		DisplayName: displayName,
		SourceID:    sourceID,
		Metadata:    metadata,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
		Data:        append([]byte(nil), data...),
	}
	s.versions[res.ResourceID] = []*Resource{res}
	s.byHash[hash] = res

	s.logger.Debug("Resource stored", "resource_id", res.ResourceID, "hash", hash, "size", res.Size)
	return CreateResult{ResourceID: res.ResourceID, Hash: hash, IsNew: true}, nil
}

// AddVersion appends new content as the latest version of an existing
// resource. Previous versions are retained; references held against
// their hashes keep resolving, flagged stale.
func (s *Store) AddVersion(resourceID string, data []byte) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.versions[resourceID]
	if !ok {
		return Resource{}, ErrNotFound
	}
	latest := history[len(history)-1]

	if err := s.checkSize(latest.Type, int64(len(data))); err != nil {
		return Resource{}, err
	}

	hash := HashContent(data)
	if existing, ok := s.byHash[hash]; ok {
		if existing.ResourceID == resourceID {
			return *existing, nil
		}
		return Resource{}, fmt.Errorf("add version to %q: content already stored under %q", resourceID, existing.ResourceID)
	}

	res := &Resource{
		ResourceID:  resourceID,
		Hash:        hash,
		Version:     latest.Version + 1,
		Type:        latest.Type,
		DisplayName: latest.DisplayName,
		SourceID:    latest.SourceID,
		Metadata:    latest.Metadata,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
		Data:        append([]byte(nil), data...),
	}
	s.versions[resourceID] = append(history, res)
	s.byHash[hash] = res

	s.logger.Debug("Resource version added", "resource_id", resourceID, "version", res.Version, "hash", hash)
	return *res, nil
}

// Get returns the version of id with the given hash, or nil for an
// unknown id or a hash that does not match any stored version.
func (s *Store) Get(id, hash string) *Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, res := range s.versions[id] {
		if res.Hash == hash {
			copied := *res
			return &copied
		}
	}
	return nil
}

// GetLatest returns the newest version of id regardless of hash, or
// nil for an unknown id.
func (s *Store) GetLatest(id string) *Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.versions[id]
	if !ok {
		return nil
	}
	copied := *history[len(history)-1]
	return &copied
}

// IncrementRef increments the reference count on the latest version
// of id.
func (s *Store) IncrementRef(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.versions[id]
	if !ok {
		return ErrNotFound
	}
	history[len(history)-1].RefCount++
	return nil
}

// DecrementRef decrements the reference count on the latest version
// of id. Decrementing an unreferenced resource clamps at zero, it is
// not an error.
func (s *Store) DecrementRef(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.versions[id]
	if !ok {
		return ErrNotFound
	}
	latest := history[len(history)-1]
	if latest.RefCount > 0 {
		latest.RefCount--
	}
	return nil
}

// VersionsBySource returns every version recorded for sourceID across
// all resources, newest first.
func (s *Store) VersionsBySource(sourceID string) []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Resource
	for _, history := range s.versions {
		for _, res := range history {
			if res.SourceID == sourceID {
				out = append(out, *res)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out
}

// Resolve looks up the version a context reference points at. The
// latest version is always returned; stale is set whenever the
// referenced hash is no longer the latest one, so callers can surface
// that the reference may be outdated instead of silently substituting
// content. Superseded versions stay in the history, so the comparison
// is against the latest hash rather than mere presence.
func (s *Store) Resolve(ref models.ContextRef) (Resource, bool, error) {
	latest := s.GetLatest(ref.ResourceID)
	if latest == nil {
		return Resource{}, false, fmt.Errorf("resolve %q: %w", ref.ResourceID, ErrNotFound)
	}
	if ref.Hash == "" || ref.Hash == latest.Hash {
		return *latest, false, nil
	}
	s.logger.Warn("Stale context reference resolved to latest version",
		"resource_id", ref.ResourceID, "ref_hash", ref.Hash, "latest_hash", latest.Hash)
	return *latest, true, nil
}

// Len returns the number of stored versions across all resources
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, history := range s.versions {
		n += len(history)
	}
	return n
}

func (s *Store) checkSize(typ ResourceType, size int64) error {
	limit := s.limitFor(typ)
	if limit > 0 && size > limit {
		return &SizeLimitError{Type: typ, Size: size, Limit: limit}
	}
	return nil
}

func (s *Store) limitFor(typ ResourceType) int64 {
	switch typ {
	case ResourceImage:
		return s.cfg.MaxImageBytes
	default:
		return s.cfg.MaxFileBytes
	}
}
