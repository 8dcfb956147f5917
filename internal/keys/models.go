package keys

import (
	"time"

	id "custodia/pkg/domain"
)

// AlgorithmAESGCM is the only algorithm currently issued. The identifier is
// stored per key so a future algorithm migration can coexist with old
// ciphertext via key-id indirection.
const AlgorithmAESGCM = "aes-256-gcm"

// Status tracks a key's lifecycle. At most one key per usage is active.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusRevoked    Status = "revoked"
)

// Key is a usage-scoped symmetric encryption key. Material is stored wrapped
// (encrypted under the master key) and never leaves this package unwrapped
// except through Encrypt/Decrypt.
type Key struct {
	ID        id.KeyID
	Usage     string
	Algorithm string
	Version   int // monotonically increasing per usage
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
	Wrapped   string // master-key-encrypted material
}

// Metadata is the listing view of a key; it deliberately has no field for key
// material so callers cannot leak it through list endpoints.
type Metadata struct {
	ID        id.KeyID  `json:"id"`
	Usage     string    `json:"usage"`
	Algorithm string    `json:"algorithm"`
	Version   int       `json:"version"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (k *Key) metadata() Metadata {
	return Metadata{
		ID:        k.ID,
		Usage:     k.Usage,
		Algorithm: k.Algorithm,
		Version:   k.Version,
		Status:    k.Status,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}
