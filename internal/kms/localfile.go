package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// LocalFileKMS wraps tenant DEKs with a master key stored in a 0600 local
// file, generating it on first use. It is the development/single-node
// backend; production deployments use Transit (transit.go).
type LocalFileKMS struct {
	masterKey []byte
	store     KeyStore
}

// NewLocalFileKMS loads the master key from keyfile, creating a fresh
// 256-bit key if the file does not exist.
func NewLocalFileKMS(keyfile string, store KeyStore) (*LocalFileKMS, error) {
	key, err := os.ReadFile(keyfile)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: master keyfile %s has unexpected length %d", keyfile, len(key))
		}
		return &LocalFileKMS{masterKey: key, store: store}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("kms: reading master keyfile: %w", err)
	}

	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generating master key: %w", err)
	}
	if err := os.WriteFile(keyfile, key, 0o600); err != nil {
		return nil, fmt.Errorf("kms: writing master keyfile: %w", err)
	}
	log.WithComponent("kms").Info().Str("keyfile", keyfile).Msg("generated new local master key")
	return &LocalFileKMS{masterKey: key, store: store}, nil
}

func (k *LocalFileKMS) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (k *LocalFileKMS) WrapAndStoreDEK(ctx context.Context, tenantID string, dek []byte, mode types.EncryptionMode) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KMSBackendDuration, "local", "wrap")

	gcm, err := k.gcm()
	if err != nil {
		return fmt.Errorf("kms: cipher init: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("kms: nonce: %w", err)
	}
	wrapped := gcm.Seal(nonce, nonce, dek, []byte(tenantID))

	return k.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:   tenantID,
		WrappedDEK: wrapped,
		KMSKeyID:   "local-file",
		Algorithm:  "AES-256-GCM",
		Status:     types.KeyActive,
		Mode:       mode,
	})
}

func (k *LocalFileKMS) UnwrapDEK(ctx context.Context, tenantID string) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KMSBackendDuration, "local", "unwrap")

	row, err := k.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Status != types.KeyActive || row.Mode == types.ModeSealed {
		return nil, nil
	}

	gcm, err := k.gcm()
	if err != nil {
		return nil, fmt.Errorf("kms: cipher init: %w", err)
	}
	ns := gcm.NonceSize()
	if len(row.WrappedDEK) < ns {
		return nil, fmt.Errorf("kms: wrapped DEK too short")
	}
	nonce, ciphertext := row.WrappedDEK[:ns], row.WrappedDEK[ns:]
	dek, err := gcm.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap failed: %w", err)
	}
	return dek, nil
}

func (k *LocalFileKMS) IsDisabled(ctx context.Context, tenantID string) (bool, error) {
	row, err := k.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("kms: %w", err)
	}
	return row != nil && row.Status == types.KeyDisabled, nil
}

func (k *LocalFileKMS) SetDisabled(ctx context.Context, tenantID string) error {
	return k.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:  tenantID,
		KMSKeyID:  "none",
		Algorithm: "none",
		Status:    types.KeyDisabled,
	})
}

func (k *LocalFileKMS) RemoveKey(ctx context.Context, tenantID string) error {
	return k.store.DeleteTenantKey(ctx, tenantID)
}

func (k *LocalFileKMS) GetMode(ctx context.Context, tenantID string) (types.EncryptionMode, bool, error) {
	row, err := k.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return "", false, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Status != types.KeyActive {
		return "", false, nil
	}
	return row.Mode, true, nil
}

func (k *LocalFileKMS) StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error {
	return k.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:   tenantID,
		WrappedDEK: publicPEM,
		KMSKeyID:   "sealed-" + origin,
		Algorithm:  "RSA-OAEP-SHA256",
		Status:     types.KeyActive,
		Mode:       types.ModeSealed,
	})
}

func (k *LocalFileKMS) GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) {
	row, err := k.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Mode != types.ModeSealed || row.Status != types.KeyActive {
		return nil, nil
	}
	return row.WrappedDEK, nil
}
