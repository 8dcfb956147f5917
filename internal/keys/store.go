package keys

import "context"

// Store defines persistence for encryption keys.
// Error Contract:
// - FindActive and FindByID return sentinel.ErrNotFound when no key matches
// - Rotate atomically deprecates the current active key (if any) and inserts
//   newKey as active; readers never observe zero or two active keys per usage
// - CreateActive fails with sentinel.ErrConflict when an active key already
//   exists for the usage (lost race on lazy creation)
type Store interface {
	CreateActive(ctx context.Context, key *Key) error
	FindByID(ctx context.Context, keyID string) (*Key, error)
	FindActive(ctx context.Context, usage string) (*Key, error)
	Rotate(ctx context.Context, usage string, newKey *Key) error
	UpdateStatus(ctx context.Context, keyID string, status Status) error
	ListByUsage(ctx context.Context, usage string) ([]*Key, error)
	MaxVersion(ctx context.Context, usage string) (int, error)
}
