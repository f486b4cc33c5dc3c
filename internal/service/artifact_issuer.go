package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/google/uuid"
)

const (
	tokenBytes         = 32
	DefaultDownloadTTL = 24 * time.Hour
)

// ErrArtifactNotFound is the only error a caller sees for a token that is
// unknown, expired or malformed.
var ErrArtifactNotFound = errors.New("artifact not found")

// ObjectStore holds export payloads. Handles are opaque to the issuer.
type ObjectStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Load(ctx context.Context, handle string) ([]byte, error)
}

// TokenIndex maps token fingerprints to stored artifacts. Get returns
// ok=false for unknown fingerprints.
type TokenIndex interface {
	Put(ctx context.Context, fingerprint string, entry model.ArtifactEntry) error
	Get(ctx context.Context, fingerprint string) (model.ArtifactEntry, bool, error)
}

type IssuedArtifact struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Size        int64     `json:"size"`
}

type ArtifactIssuer struct {
	store  ObjectStore
	index  TokenIndex
	random io.Reader
	clock  clock.Clock
	ttl    time.Duration
}

// NewArtifactIssuer wires the issuer. A nil random reader means crypto/rand.
func NewArtifactIssuer(store ObjectStore, index TokenIndex, random io.Reader, clk clock.Clock, ttl time.Duration) *ArtifactIssuer {
	if random == nil {
		random = rand.Reader
	}
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	return &ArtifactIssuer{store: store, index: index, random: random, clock: clk, ttl: ttl}
}

// Issue stores payload and mints a download token for it. The expiry is fixed
// here and never extended.
func (i *ArtifactIssuer) Issue(ctx context.Context, payload []byte) (IssuedArtifact, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.random, raw); err != nil {
		return IssuedArtifact{}, fmt.Errorf("read token entropy: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	handle, err := i.store.Store(ctx, payload)
	if err != nil {
		return IssuedArtifact{}, fmt.Errorf("store artifact: %w", err)
	}

	expiresAt := i.clock.Now().Add(i.ttl)
	fp := TokenFingerprint(token)
	entry := model.ArtifactEntry{Handle: handle, Size: int64(len(payload)), ExpiresAt: expiresAt}
	if err := i.index.Put(ctx, fp, entry); err != nil {
		return IssuedArtifact{}, fmt.Errorf("index artifact: %w", err)
	}

	return IssuedArtifact{
		Token:       token,
		Fingerprint: fp,
		ExpiresAt:   expiresAt,
		Size:        entry.Size,
	}, nil
}

// Resolve returns the payload for a live token.
func (i *ArtifactIssuer) Resolve(ctx context.Context, token string) ([]byte, error) {
	entry, ok, err := i.index.Get(ctx, TokenFingerprint(token))
	if err != nil {
		return nil, fmt.Errorf("lookup artifact: %w", err)
	}
	if !ok || !i.clock.Now().Before(entry.ExpiresAt) {
		return nil, ErrArtifactNotFound
	}
	data, err := i.store.Load(ctx, entry.Handle)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return data, nil
}

// TokenFingerprint is the hex SHA-256 of a token, the only form in which
// tokens are persisted.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryObjectStore keeps payloads in process memory.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Store(_ context.Context, data []byte) (string, error) {
	handle := uuid.New().String()
	s.mu.Lock()
	s.objects[handle] = append([]byte(nil), data...)
	s.mu.Unlock()
	return handle, nil
}

func (s *MemoryObjectStore) Load(_ context.Context, handle string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[handle]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}

// MemoryTokenIndex is the single-process TokenIndex. Expired entries are
// dropped by Sweep.
type MemoryTokenIndex struct {
	mu      sync.RWMutex
	entries map[string]model.ArtifactEntry
}

func NewMemoryTokenIndex() *MemoryTokenIndex {
	return &MemoryTokenIndex{entries: make(map[string]model.ArtifactEntry)}
}

func (x *MemoryTokenIndex) Put(_ context.Context, fingerprint string, entry model.ArtifactEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[fingerprint] = entry
	return nil
}

func (x *MemoryTokenIndex) Get(_ context.Context, fingerprint string) (model.ArtifactEntry, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry, ok := x.entries[fingerprint]
	return entry, ok, nil
}

func (x *MemoryTokenIndex) Sweep(now time.Time) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	removed := 0
	for fp, entry := range x.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(x.entries, fp)
			removed++
		}
	}
	return removed
}
