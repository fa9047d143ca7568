// Package kms wraps and unwraps per-tenant data encryption keys behind a
// pluggable backend (spec.md §4.A): a local-file master key for development,
// or a remote transit service over HTTPS for production. Both backends
// persist their bookkeeping through the same KeyStore contract so the
// encryption service (internal/encryption) never has to know which backend
// is active.
package kms

import (
	"context"
	"errors"
	"time"

	"github.com/memorycore/p8/internal/types"
)

// ErrBackendUnavailable is returned when a KMS backend's transport fails
// (connection refused, timeout, non-2xx from a remote transit service).
var ErrBackendUnavailable = errors.New("kms: backend unavailable")

// KeyStore is the persistence seam a KMS backend needs: CRUD on the
// tenant_keys table. internal/store.Store implements this directly so no
// import cycle is needed between kms and store.
type KeyStore interface {
	PutTenantKey(ctx context.Context, key types.TenantKey) error
	GetTenantKey(ctx context.Context, tenantID string) (*types.TenantKey, error)
	DeleteTenantKey(ctx context.Context, tenantID string) error
}

// KMS is the pluggable backend contract from spec.md §4.A. Every method is
// safe to call concurrently.
type KMS interface {
	WrapAndStoreDEK(ctx context.Context, tenantID string, dek []byte, mode types.EncryptionMode) error
	UnwrapDEK(ctx context.Context, tenantID string) ([]byte, error) // nil, nil if no active row
	IsDisabled(ctx context.Context, tenantID string) (bool, error)
	SetDisabled(ctx context.Context, tenantID string) error
	RemoveKey(ctx context.Context, tenantID string) error
	GetMode(ctx context.Context, tenantID string) (types.EncryptionMode, bool, error)
	StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error
	GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) // nil, nil if none
}

// withTimeout wraps ctx with a deadline of d. No backend in this package
// calls it; the transit backend's HTTP client carries its own 30s timeout
// instead.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
