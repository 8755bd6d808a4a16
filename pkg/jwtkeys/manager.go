package jwtkeys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrKeyNotFound is returned when a kid cannot be resolved to a signing key.
	ErrKeyNotFound = errors.New("jwtkeys: signing key not found")
	errNoActiveKey = errors.New("jwtkeys: no active signing key available")
	errReadOnly    = errors.New("jwtkeys: manager is read-only")
)

const secretLen = 48 // 384 bits

// KeyProvider resolves signing keys for JWT verification.
type KeyProvider interface {
	ResolveKey(kid string) ([]byte, error)
	LegacyKey() []byte
}

// Config drives the behaviour of the Manager.
type Config struct {
	KeyFilePath      string
	RotationInterval time.Duration
	GracePeriod      time.Duration
	LegacySecret     string
	// ReadOnly managers verify tokens but never mint or persist keys;
	// processes that only validate requests run in this mode.
	ReadOnly bool
	Store    Store
}

// SigningKey is one versioned secret in the ring.
type SigningKey struct {
	ID        string    `json:"id"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// SecretBytes decodes the base64-encoded secret.
func (k *SigningKey) SecretBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.Secret)
}

func (k *SigningKey) usable(now time.Time) bool {
	return !k.Revoked && now.Before(k.ExpiresAt)
}

func (k *SigningKey) clone() *SigningKey {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

// Manager holds the ring of signing keys: one active key that signs new
// tokens plus the previous keys, still resolvable until their grace period
// runs out so tokens they signed keep verifying across a rotation.
type Manager struct {
	mu        sync.RWMutex
	store     Store
	ring      map[string]*SigningKey
	activeKid string

	rotateEvery  time.Duration
	gracePeriod  time.Duration
	legacySecret []byte
	readOnly     bool
}

// NewManager loads the key ring from the configured store and, for a
// writable manager with an empty store, mints the first key.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * 24 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * 24 * time.Hour
	}

	store := cfg.Store
	if store == nil {
		if cfg.KeyFilePath == "" {
			store = &memoryStore{}
		} else {
			store = &fileStore{path: cfg.KeyFilePath}
		}
	}

	m := &Manager{
		store:        store,
		ring:         make(map[string]*SigningKey),
		rotateEvery:  cfg.RotationInterval,
		gracePeriod:  cfg.GracePeriod,
		legacySecret: []byte(cfg.LegacySecret),
		readOnly:     cfg.ReadOnly,
	}

	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeKid == "" && !m.readOnly {
		// First boot: reuse the legacy secret if one is configured so
		// tokens issued before key versioning stay valid.
		seed := m.legacySecret
		if err := m.mintLocked(ctx, time.Now(), seed); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// CurrentSigningKey returns the key new tokens are signed with.
func (m *Manager) CurrentSigningKey() (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.ring[m.activeKid]
	if !ok {
		return nil, errNoActiveKey
	}
	return key.clone(), nil
}

// ResolveKey implements KeyProvider for JWT verification.
func (m *Manager) ResolveKey(kid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.ring[kid]
	if kid == "" || !ok || !key.usable(time.Now()) {
		return nil, ErrKeyNotFound
	}
	return key.SecretBytes()
}

// LegacyKey returns the static secret used before key versioning.
func (m *Manager) LegacyKey() []byte {
	return m.legacySecret
}

// EnsureRotation mints a fresh key when the active one is older than the
// rotation interval, then drops keys past their grace period.
func (m *Manager) EnsureRotation(ctx context.Context) error {
	if m.readOnly {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	active := m.ring[m.activeKid]
	if active == nil || now.Sub(active.CreatedAt) >= m.rotateEvery {
		if err := m.mintLocked(ctx, now, nil); err != nil {
			return err
		}
	}
	return m.pruneLocked(ctx, now)
}

// Refresh replaces the in-memory ring with the store's contents. A loaded
// empty store is a no-op so a writable manager keeps its seeded key.
func (m *Manager) Refresh(ctx context.Context) error {
	keys, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring = make(map[string]*SigningKey, len(keys))
	m.activeKid = ""
	var newest time.Time
	for i := range keys {
		key := keys[i]
		m.ring[key.ID] = key.clone()
		if !key.Revoked && key.CreatedAt.After(newest) {
			newest = key.CreatedAt
			m.activeKid = key.ID
		}
	}
	return nil
}

// StartAutoRotation runs the key lifecycle in the background. Writable
// managers rotate; read-only managers poll the store instead so they pick
// up keys minted by the writer.
func (m *Manager) StartAutoRotation(ctx context.Context) {
	interval := m.rotateEvery / 4
	if m.readOnly || interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if m.readOnly {
					_ = m.Refresh(ctx)
				} else {
					_ = m.EnsureRotation(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// mintLocked creates a key, makes it active and persists the ring. An
// empty seed means a fresh random secret.
func (m *Manager) mintLocked(ctx context.Context, now time.Time, seed []byte) error {
	if m.readOnly {
		return errReadOnly
	}

	secret := seed
	if len(secret) == 0 {
		secret = make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
	}

	key := &SigningKey{
		ID:        fmt.Sprintf("kid_%d", now.UnixNano()),
		Secret:    base64.StdEncoding.EncodeToString(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(m.rotateEvery + m.gracePeriod),
	}
	m.ring[key.ID] = key
	m.activeKid = key.ID
	return m.persistLocked(ctx)
}

func (m *Manager) pruneLocked(ctx context.Context, now time.Time) error {
	dropped := false
	for kid, key := range m.ring {
		if !key.usable(now) {
			delete(m.ring, kid)
			if kid == m.activeKid {
				m.activeKid = ""
			}
			dropped = true
		}
	}
	if !dropped {
		return nil
	}

	if m.activeKid == "" {
		for kid := range m.ring {
			m.activeKid = kid
			break
		}
	}
	return m.persistLocked(ctx)
}

func (m *Manager) persistLocked(ctx context.Context) error {
	if m.readOnly {
		return nil
	}

	keys := make([]SigningKey, 0, len(m.ring))
	for _, key := range m.ring {
		keys = append(keys, *key.clone())
	}
	return m.store.Save(ctx, keys)
}

// Store abstracts persistence for signing keys.
type Store interface {
	Load(ctx context.Context) ([]SigningKey, error)
	Save(ctx context.Context, keys []SigningKey) error
}

// fileStore keeps the ring as a JSON file, written atomically via rename.
type fileStore struct {
	path string
}

func (s *fileStore) Load(_ context.Context) ([]SigningKey, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []SigningKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *fileStore) Save(_ context.Context, keys []SigningKey) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type memoryStore struct {
	mu   sync.RWMutex
	keys []SigningKey
}

func (s *memoryStore) Load(_ context.Context) ([]SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SigningKey(nil), s.keys...), nil
}

func (s *memoryStore) Save(_ context.Context, keys []SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]SigningKey(nil), keys...)
	return nil
}

// StaticProvider serves a single fixed secret for every kid. Used where
// rotation is not configured.
type StaticProvider struct {
	secret []byte
}

// NewStaticProvider creates a KeyProvider backed by a single secret.
func NewStaticProvider(secret string) KeyProvider {
	return &StaticProvider{secret: []byte(secret)}
}

// ResolveKey implements KeyProvider by ignoring kid values.
func (p *StaticProvider) ResolveKey(string) ([]byte, error) {
	if len(p.secret) == 0 {
		return nil, ErrKeyNotFound
	}
	return p.secret, nil
}

// LegacyKey returns the static secret.
func (p *StaticProvider) LegacyKey() []byte {
	return p.secret
}
