package keys

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"custodia/internal/platform/clock"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	psync "custodia/pkg/platform/sync"
)

const (
	defaultKeyTTL = 180 * 24 * time.Hour

	// ciphertext layout: keyID:base64(nonce)|base64(ciphertext). The embedded
	// key id is authoritative; never assume the currently-active key was used.
	keyIDSep = ":"
)

// Ledger is the append contract the manager needs from the audit ledger.
type Ledger interface {
	Append(ctx context.Context, entry audit.Entry) (id.EntryID, error)
}

// Manager issues, rotates, and retires usage-scoped symmetric keys, and
// performs the encrypt/decrypt operations other components use to protect
// personal data at rest.
type Manager struct {
	store  Store
	ledger Ledger
	clock  clock.Clock
	logger *slog.Logger
	master []byte
	keyTTL time.Duration
	locks  *psync.ShardedMutex // per-usage: serializes lazy creation and rotation
}

// Option configures the Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithKeyTTL sets how long newly issued keys remain valid before rotation is due.
func WithKeyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.keyTTL = ttl
		}
	}
}

// NewManager constructs a key manager. masterKey must be 32 bytes; it wraps
// every stored key's material and never touches the store itself.
func NewManager(store Store, ledger Ledger, clk clock.Clock, masterKey []byte, opts ...Option) (*Manager, error) {
	if len(masterKey) != keyLength {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "master key must be 32 bytes")
	}
	m := &Manager{
		store:  store,
		ledger: ledger,
		clock:  clk,
		master: append([]byte(nil), masterKey...),
		keyTTL: defaultKeyTTL,
		locks:  psync.NewShardedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetActiveKey returns the id and unwrapped material of the active key for a
// usage, lazily creating one on first use.
func (m *Manager) GetActiveKey(ctx context.Context, usage string) (id.KeyID, []byte, error) {
	if usage == "" {
		return id.KeyID{}, nil, dErrors.New(dErrors.CodeInvalidInput, "key usage is required")
	}

	key, err := m.store.FindActive(ctx, usage)
	if errors.Is(err, sentinel.ErrNotFound) {
		key, err = m.createActive(ctx, usage)
	}
	if err != nil {
		return id.KeyID{}, nil, err
	}

	material, err := open(m.master, key.Wrapped)
	if err != nil {
		return id.KeyID{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to unwrap key material")
	}
	return key.ID, material, nil
}

// Rotate atomically deprecates the current active key for a usage and
// activates a freshly generated one. Old ciphertext remains decryptable via
// the key id embedded alongside it.
func (m *Manager) Rotate(ctx context.Context, usage string) (id.KeyID, error) {
	if usage == "" {
		return id.KeyID{}, dErrors.New(dErrors.CodeInvalidInput, "key usage is required")
	}

	m.locks.Lock(usage)
	defer m.locks.Unlock(usage)

	newKey, err := m.generateKey(ctx, usage)
	if err != nil {
		return id.KeyID{}, err
	}

	// Audited before the mutation: rotation must never complete unaudited, and
	// the atomic store swap has no compensating inverse that preserves the
	// per-usage version monotonicity.
	if err := m.audit(ctx, newKey, audit.ActionKeyRotated); err != nil {
		return id.KeyID{}, err
	}

	if err := m.store.Rotate(ctx, usage, newKey); err != nil {
		return id.KeyID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to rotate key")
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "encryption key rotated",
			"usage", usage,
			"key_id", newKey.ID.String(),
			"version", newKey.Version,
		)
	}
	return newKey.ID, nil
}

// Encrypt seals plaintext under the active key for a usage. The returned
// string embeds the key id so rotation never orphans ciphertext.
func (m *Manager) Encrypt(ctx context.Context, usage string, plaintext []byte) (string, error) {
	keyID, material, err := m.GetActiveKey(ctx, usage)
	if err != nil {
		return "", err
	}
	sealed, err := seal(material, plaintext)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encryption failed")
	}
	return keyID.String() + keyIDSep + sealed, nil
}

// Decrypt opens ciphertext produced by Encrypt, resolving the embedded key id.
// A purged or revoked key yields decryption_unavailable; a tampered or
// malformed payload yields ciphertext_corrupted. Callers rely on the
// distinction: the first is a key-lifecycle incident, the second data damage.
func (m *Manager) Decrypt(ctx context.Context, encoded string) ([]byte, error) {
	keyIDStr, sealed, found := strings.Cut(encoded, keyIDSep)
	if !found {
		return nil, dErrors.New(dErrors.CodeCiphertextCorrupted, "ciphertext missing key id prefix")
	}
	if _, err := id.ParseKeyID(keyIDStr); err != nil {
		return nil, dErrors.New(dErrors.CodeCiphertextCorrupted, "ciphertext has malformed key id")
	}

	key, err := m.store.FindByID(ctx, keyIDStr)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeDecryptionUnavailable, "encryption key no longer available")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load encryption key")
	}
	if key.Status == StatusRevoked {
		return nil, dErrors.New(dErrors.CodeDecryptionUnavailable, "encryption key revoked")
	}

	material, err := open(m.master, key.Wrapped)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to unwrap key material")
	}
	plaintext, err := open(material, sealed)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeCiphertextCorrupted, "ciphertext failed authentication")
	}
	return plaintext, nil
}

// ListKeys returns key metadata for a usage, newest first, without material.
func (m *Manager) ListKeys(ctx context.Context, usage string) ([]Metadata, error) {
	keysList, err := m.store.ListByUsage(ctx, usage)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list keys")
	}
	out := make([]Metadata, 0, len(keysList))
	for _, k := range keysList {
		out = append(out, k.metadata())
	}
	return out, nil
}

// Revoke marks a key revoked. Ciphertext under it becomes undecryptable; this
// is the response to suspected key compromise, not routine rotation.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	key, err := m.store.FindByID(ctx, keyID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "encryption key not found")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load encryption key")
	}

	if err := m.audit(ctx, key, audit.ActionKeyRevoked); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, keyID, StatusRevoked); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke key")
	}
	return nil
}

// createActive handles the lazy first-use path under the per-usage lock.
func (m *Manager) createActive(ctx context.Context, usage string) (*Key, error) {
	m.locks.Lock(usage)
	defer m.locks.Unlock(usage)

	// Another caller may have won the race while we waited for the lock.
	if existing, err := m.store.FindActive(ctx, usage); err == nil {
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up active key")
	}

	key, err := m.generateKey(ctx, usage)
	if err != nil {
		return nil, err
	}
	if err := m.audit(ctx, key, audit.ActionKeyCreated); err != nil {
		return nil, err
	}
	if err := m.store.CreateActive(ctx, key); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return m.store.FindActive(ctx, usage)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create key")
	}
	return key, nil
}

func (m *Manager) generateKey(ctx context.Context, usage string) (*Key, error) {
	material, err := generateMaterial()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "key generation failed")
	}
	wrapped, err := seal(m.master, material)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "key wrapping failed")
	}
	maxVersion, err := m.store.MaxVersion(ctx, usage)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to determine key version")
	}
	now := m.clock.Now()
	return &Key{
		ID:        id.NewKeyID(),
		Usage:     usage,
		Algorithm: AlgorithmAESGCM,
		Version:   maxVersion + 1,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.keyTTL),
		Wrapped:   wrapped,
	}, nil
}

func (m *Manager) audit(ctx context.Context, key *Key, action string) error {
	if m.ledger == nil {
		return nil
	}
	_, err := m.ledger.Append(ctx, audit.Entry{
		EntityType: "encryption_key",
		EntityID:   key.ID.String(),
		Action:     action,
		Category:   audit.CategoryEncryption,
		Severity:   audit.SeverityHigh,
		Details: map[string]any{
			"usage":     key.Usage,
			"algorithm": key.Algorithm,
			"version":   key.Version,
		},
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "key lifecycle change not audited")
	}
	return nil
}
