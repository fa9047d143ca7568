package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/metrics"
)

// TransitKMS wraps tenant DEKs through a remote transit service's
// encrypt/{key} and decrypt/{key} endpoints (spec.md §4.A). The key name
// for a tenant is "{prefix}-{tenant_id}". Bookkeeping (mode, status, which
// key name is active) still lives in the KeyStore so resolution is uniform
// across backends.
type TransitKMS struct {
	baseURL string
	prefix  string
	store   KeyStore
	client  *http.Client

	mu        sync.Mutex
	token     string
	tokenExpr time.Time
	refresh   func(ctx context.Context) (string, error)
}

// NewTransitKMS builds a transit-backed KMS client. refresh mints (or
// re-mints) the bearer token used on every request; it is called lazily
// and whenever the cached token's JWT "exp" claim has passed.
func NewTransitKMS(baseURL, prefix string, store KeyStore, refresh func(ctx context.Context) (string, error)) *TransitKMS {
	return &TransitKMS{
		baseURL: baseURL,
		prefix:  prefix,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		refresh: refresh,
	}
}

func (t *TransitKMS) keyName(tenantID string) string {
	return fmt.Sprintf("%s-%s", t.prefix, tenantID)
}

// bearerToken returns a valid token, refreshing it if the cached one is
// missing or its JWT exp claim has passed.
func (t *TransitKMS) bearerToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.tokenExpr) {
		return t.token, nil
	}

	tok, err := t.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: refreshing transit token: %v", ErrBackendUnavailable, err)
	}

	claims := jwt.MapClaims{}
	// Best-effort exp extraction; an unparsable token is used once and
	// re-refreshed on the next call rather than failing outright.
	if _, _, parseErr := jwt.NewParser().ParseUnverified(tok, claims); parseErr == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t.tokenExpr = exp.Time
		} else {
			t.tokenExpr = time.Now().Add(5 * time.Minute)
		}
	} else {
		t.tokenExpr = time.Now().Add(5 * time.Minute)
	}
	t.token = tok
	return t.token, nil
}

func (t *TransitKMS) do(ctx context.Context, op, keyName string, body map[string]any) (map[string]any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KMSBackendDuration, "transit", op)

	tok, err := t.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("kms: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", t.baseURL, op, keyName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("kms: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: transit returned %d", ErrBackendUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kms: transit rejected request (%d): %s", resp.StatusCode, string(data))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kms: decoding transit response: %w", err)
	}
	return out, nil
}

func (t *TransitKMS) WrapAndStoreDEK(ctx context.Context, tenantID string, dek []byte, mode types.EncryptionMode) error {
	resp, err := t.do(ctx, "encrypt", t.keyName(tenantID), map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(dek),
	})
	if err != nil {
		return err
	}
	ciphertext, _ := resp["ciphertext"].(string)
	wrapped, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("kms: decoding transit ciphertext: %w", err)
	}
	return t.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:   tenantID,
		WrappedDEK: wrapped,
		KMSKeyID:   t.keyName(tenantID),
		Algorithm:  "transit",
		Status:     types.KeyActive,
		Mode:       mode,
	})
}

func (t *TransitKMS) UnwrapDEK(ctx context.Context, tenantID string) ([]byte, error) {
	row, err := t.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Status != types.KeyActive || row.Mode == types.ModeSealed {
		return nil, nil
	}
	resp, err := t.do(ctx, "decrypt", t.keyName(tenantID), map[string]any{
		"ciphertext": base64.StdEncoding.EncodeToString(row.WrappedDEK),
	})
	if err != nil {
		return nil, err
	}
	plaintext, _ := resp["plaintext"].(string)
	return base64.StdEncoding.DecodeString(plaintext)
}

func (t *TransitKMS) IsDisabled(ctx context.Context, tenantID string) (bool, error) {
	row, err := t.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("kms: %w", err)
	}
	return row != nil && row.Status == types.KeyDisabled, nil
}

func (t *TransitKMS) SetDisabled(ctx context.Context, tenantID string) error {
	return t.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:  tenantID,
		KMSKeyID:  "none",
		Algorithm: "none",
		Status:    types.KeyDisabled,
	})
}

func (t *TransitKMS) RemoveKey(ctx context.Context, tenantID string) error {
	return t.store.DeleteTenantKey(ctx, tenantID)
}

func (t *TransitKMS) GetMode(ctx context.Context, tenantID string) (types.EncryptionMode, bool, error) {
	row, err := t.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return "", false, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Status != types.KeyActive {
		return "", false, nil
	}
	return row.Mode, true, nil
}

func (t *TransitKMS) StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error {
	return t.store.PutTenantKey(ctx, types.TenantKey{
		TenantID:   tenantID,
		WrappedDEK: publicPEM,
		KMSKeyID:   "sealed-" + origin,
		Algorithm:  "RSA-OAEP-SHA256",
		Status:     types.KeyActive,
		Mode:       types.ModeSealed,
	})
}

func (t *TransitKMS) GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) {
	row, err := t.store.GetTenantKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	if row == nil || row.Mode != types.ModeSealed || row.Status != types.KeyActive {
		return nil, nil
	}
	return row.WrappedDEK, nil
}
