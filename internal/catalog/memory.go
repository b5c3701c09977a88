package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"videoingest/internal/models"
)

type sourceKey struct {
	scope      models.Scope
	targetID   string
	sourceType string
	vendorID   string
	language   string
	quality    string
}

func keyOf(src VendorSource) sourceKey {
	return sourceKey{
		scope:      src.Scope,
		targetID:   src.TargetID,
		sourceType: src.SourceType,
		vendorID:   src.VendorID,
		language:   src.Language,
		quality:    src.Quality,
	}
}

// MemoryStore keeps sources in process. When targets are registered with
// AddTarget, upserts against unknown targets answer CodeNotFound.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[sourceKey]VendorSource
	targets map[models.Scope]map[string]struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryStore returns an empty store that accepts any target.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[sourceKey]VendorSource),
		targets: make(map[models.Scope]map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddTarget restricts upserts for scope to the registered target ids.
func (s *MemoryStore) AddTarget(scope models.Scope, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targets[scope] == nil {
		s.targets[scope] = make(map[string]struct{})
	}
	for _, id := range ids {
		s.targets[scope][id] = struct{}{}
	}
}

func (s *MemoryStore) UpsertMovieVendor(ctx context.Context, src VendorSource) (Response, error) {
	src.Scope = models.ScopeMovie
	return s.upsert(ctx, src)
}

func (s *MemoryStore) UpsertEpisodeVendor(ctx context.Context, src VendorSource) (Response, error) {
	src.Scope = models.ScopeEpisode
	return s.upsert(ctx, src)
}

func (s *MemoryStore) upsert(ctx context.Context, src VendorSource) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if err := src.Validate(); err != nil {
		return Response{Code: CodeBadRequest, Message: err.Error()}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Response{}, ErrClosed
	}
	if known, restricted := s.targets[src.Scope]; restricted {
		if _, ok := known[src.TargetID]; !ok {
			return Response{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", src.Scope, src.TargetID)}, nil
		}
	}
	if src.Vendor == "" {
		src.Vendor = VendorName(src.SourceType)
	}
	if src.UploadedAt.IsZero() {
		src.UploadedAt = s.now()
	}
	key := keyOf(src)
	_, existed := s.sources[key]
	s.sources[key] = src
	if existed {
		return Response{Code: CodeOK, Message: "updated"}, nil
	}
	return Response{Code: CodeOK, Message: "created"}, nil
}

// Sources lists the sources recorded for a target, ordered by upload time.
func (s *MemoryStore) Sources(scope models.Scope, targetID string) ([]VendorSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VendorSource
	for key, src := range s.sources {
		if key.scope == scope && key.targetID == targetID {
			out = append(out, src)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].VendorID < out[j].VendorID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
