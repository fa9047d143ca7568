// Package encryption implements field-level envelope encryption with a
// process-local DEK cache (spec.md §4.B): platform, client, sealed, and
// disabled tenant modes, deterministic vs. randomized field modes, and AAD
// binding so ciphertext never decrypts under the wrong tenant or row.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/memorycore/p8/internal/kms"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/metrics"
)

// cacheTTL matches spec.md §4.B's "TTL ≈ 5 min" DEK cache.
const cacheTTL = 5 * time.Minute

type dekCacheState int

const (
	dekLive dekCacheState = iota
	dekDisabled
	dekSealed
)

type dekCacheEntry struct {
	dek     []byte
	state   dekCacheState
	expires time.Time
}

type modeCacheEntry struct {
	mode    types.EncryptionMode
	expires time.Time
}

type sealedCacheEntry struct {
	pub     *rsa.PublicKey
	expires time.Time
}

// Service resolves tenant DEKs through the configured KMS and applies the
// four encryption modes to entity fields.
type Service struct {
	kms            kms.KMS
	systemTenantID string

	mu         sync.Mutex
	dekCache   map[string]dekCacheEntry
	modeCache  map[string]modeCacheEntry
	sealedCache map[string]sealedCacheEntry
}

// NewService builds an encryption service. systemTenantID is the sentinel
// tenant that always owns a generated DEK, used as the fallback target for
// tenants with no key row of their own.
func NewService(k kms.KMS, systemTenantID string) *Service {
	return &Service{
		kms:            k,
		systemTenantID: systemTenantID,
		dekCache:       make(map[string]dekCacheEntry),
		modeCache:      make(map[string]modeCacheEntry),
		sealedCache:    make(map[string]sealedCacheEntry),
	}
}

// EnsureSystemKey creates the system tenant's DEK if it doesn't exist yet.
// Call once at startup.
func (s *Service) EnsureSystemKey(ctx context.Context) error {
	_, err := s.getDEK(ctx, s.systemTenantID)
	return err
}

// getDEK resolves a tenant's DEK with the fallback chain from spec.md §4.B:
// disabled → nil; sealed → nil (public-key only); own active key → unwrap;
// system tenant with no key → generate; otherwise fall back to the system
// DEK, caching it under this tenant too.
func (s *Service) getDEK(ctx context.Context, tenantID string) ([]byte, error) {
	s.mu.Lock()
	if e, ok := s.dekCache[tenantID]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		metrics.DEKCacheHitsTotal.WithLabelValues("hit").Inc()
		if e.state != dekLive {
			return nil, nil
		}
		return e.dek, nil
	}
	s.mu.Unlock()
	metrics.DEKCacheHitsTotal.WithLabelValues("miss").Inc()

	disabled, err := s.kms.IsDisabled(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if disabled {
		s.cacheDEK(tenantID, nil, dekDisabled)
		return nil, nil
	}

	mode, hasMode, err := s.kms.GetMode(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if hasMode && mode == types.ModeSealed {
		if _, err := s.sealedPublicKey(ctx, tenantID); err != nil {
			return nil, err
		}
		s.cacheDEK(tenantID, nil, dekSealed)
		return nil, nil
	}

	dek, err := s.kms.UnwrapDEK(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if dek != nil {
		s.cacheDEK(tenantID, dek, dekLive)
		return dek, nil
	}

	if tenantID == s.systemTenantID {
		dek = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return nil, fmt.Errorf("encryption: generating system DEK: %w", err)
		}
		if err := s.kms.WrapAndStoreDEK(ctx, tenantID, dek, types.ModePlatform); err != nil {
			return nil, err
		}
		s.cacheDEK(tenantID, dek, dekLive)
		return dek, nil
	}

	dek, err = s.getDEK(ctx, s.systemTenantID)
	if err != nil {
		return nil, err
	}
	if dek != nil {
		s.cacheDEK(tenantID, dek, dekLive)
	}
	return dek, nil
}

func (s *Service) cacheDEK(tenantID string, dek []byte, state dekCacheState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dekCache[tenantID] = dekCacheEntry{dek: dek, state: state, expires: time.Now().Add(cacheTTL)}
}

// GetTenantMode returns platform/client/sealed/none for a tenant, defaulting
// to platform when the tenant has no key row of its own.
func (s *Service) GetTenantMode(ctx context.Context, tenantID string) (types.EncryptionMode, error) {
	if tenantID == "" {
		return "none", nil
	}

	s.mu.Lock()
	if e, ok := s.modeCache[tenantID]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.mode, nil
	}
	s.mu.Unlock()

	mode, hasMode, err := s.kms.GetMode(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !hasMode {
		mode = types.ModePlatform
	}

	s.mu.Lock()
	s.modeCache[tenantID] = modeCacheEntry{mode: mode, expires: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return mode, nil
}

// ShouldDecryptOnRead reports whether the server decrypts fields on read
// for this tenant: true for platform mode, false for client/sealed.
func (s *Service) ShouldDecryptOnRead(ctx context.Context, tenantID string) (bool, error) {
	mode, err := s.GetTenantMode(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return mode != types.ModeClient && mode != types.ModeSealed, nil
}

// ConfigureTenant sets up (or tears down) symmetric encryption for a
// tenant. enabled=false disables encryption outright. own_key=true
// generates and stores a fresh DEK; own_key=false removes any key row so
// resolution falls back to the system DEK.
func (s *Service) ConfigureTenant(ctx context.Context, tenantID string, enabled, ownKey bool, mode types.EncryptionMode) error {
	if !enabled {
		if err := s.kms.SetDisabled(ctx, tenantID); err != nil {
			return err
		}
		s.invalidate(tenantID)
		return nil
	}

	if ownKey {
		dek := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return fmt.Errorf("encryption: generating tenant DEK: %w", err)
		}
		if err := s.kms.WrapAndStoreDEK(ctx, tenantID, dek, mode); err != nil {
			return err
		}
		s.cacheDEK(tenantID, dek, dekLive)
		s.mu.Lock()
		s.modeCache[tenantID] = modeCacheEntry{mode: mode, expires: time.Now().Add(cacheTTL)}
		s.mu.Unlock()
		return nil
	}

	if err := s.kms.RemoveKey(ctx, tenantID); err != nil {
		return err
	}
	s.invalidate(tenantID)
	return nil
}

func (s *Service) invalidate(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dekCache, tenantID)
	delete(s.modeCache, tenantID)
}

// ConfigureTenantSealed configures hybrid RSA-OAEP sealed mode. If
// publicPEM is nil, a fresh RSA-4096 keypair is generated and the private
// key is returned ONCE — the server never stores it.
func (s *Service) ConfigureTenantSealed(ctx context.Context, tenantID string, publicPEM []byte) ([]byte, error) {
	if publicPEM != nil {
		pub, err := parsePublicKey(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("encryption: parsing tenant public key: %w", err)
		}
		if err := s.kms.StoreSealedKey(ctx, tenantID, publicPEM, "tenant"); err != nil {
			return nil, err
		}
		s.cacheSealed(tenantID, pub)
		return nil, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("encryption: generating RSA-4096 key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encryption: marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encryption: marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	if err := s.kms.StoreSealedKey(ctx, tenantID, pubPEM, "server"); err != nil {
		return nil, err
	}
	s.cacheSealed(tenantID, &priv.PublicKey)
	return privPEM, nil
}

func (s *Service) cacheSealed(tenantID string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealedCache[tenantID] = sealedCacheEntry{pub: pub, expires: time.Now().Add(cacheTTL)}
	s.dekCache[tenantID] = dekCacheEntry{state: dekSealed, expires: time.Now().Add(cacheTTL)}
	s.modeCache[tenantID] = modeCacheEntry{mode: types.ModeSealed, expires: time.Now().Add(cacheTTL)}
}

func (s *Service) sealedPublicKey(ctx context.Context, tenantID string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	if e, ok := s.sealedCache[tenantID]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.pub, nil
	}
	s.mu.Unlock()

	pem, err := s.kms.GetSealedPublicKey(ctx, tenantID)
	if err != nil || pem == nil {
		return nil, err
	}
	pub, err := parsePublicKey(pem)
	if err != nil {
		return nil, fmt.Errorf("encryption: parsing stored public key: %w", err)
	}
	s.mu.Lock()
	s.sealedCache[tenantID] = sealedCacheEntry{pub: pub, expires: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return pub, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

// aad builds the additional authenticated data binding ciphertext to a
// specific tenant and row: "{tenant_id}:{entity_id}".
func aad(tenantID, entityID string) []byte {
	return []byte(tenantID + ":" + entityID)
}

// EncryptFields encrypts every field entity declares in EncryptedFields()
// for the given tenant, mutating entity in place. No-op if the tenant has
// no DEK cached (disabled) or if tenantID is empty.
func (s *Service) EncryptFields(ctx context.Context, entity types.EncryptionAware, tenantID, entityID string) error {
	fields := entity.EncryptedFields()
	if len(fields) == 0 || tenantID == "" {
		return nil
	}

	if _, err := s.getDEK(ctx, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	cached, ok := s.dekCache[tenantID]
	s.mu.Unlock()
	if !ok || cached.state == dekDisabled {
		return nil
	}
	if cached.state == dekSealed {
		return s.encryptFieldsSealed(ctx, entity, tenantID, entityID)
	}

	dek := cached.dek
	a := aad(tenantID, entityID)

	for field, mode := range fields {
		plaintext, ok := entity.FieldValue(field)
		if !ok || plaintext == "" {
			continue
		}
		ciphertext, err := encryptField(dek, []byte(plaintext), a, mode)
		if err != nil {
			return fmt.Errorf("encryption: encrypting field %s: %w", field, err)
		}
		entity.SetFieldValue(field, ciphertext)
	}
	return nil
}

// encryptField implements the storage format base64(nonce || ciphertext+tag)
// with a deterministic nonce (SHA-256(dek||plaintext||aad)[:12]) or a
// random one, per mode.
func encryptField(dek, plaintext, a []byte, mode types.EncryptedFieldMode) (string, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	var nonce []byte
	if mode == types.FieldDeterministic {
		h := sha256.New()
		h.Write(dek)
		h.Write(plaintext)
		h.Write(a)
		nonce = h.Sum(nil)[:gcm.NonceSize()]
	} else {
		nonce = make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return "", err
		}
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, a)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// encryptFieldsSealed applies hybrid RSA-OAEP encryption: an ephemeral
// AES-256-GCM DEK per field, wrapped by the tenant's RSA public key.
func (s *Service) encryptFieldsSealed(ctx context.Context, entity types.EncryptionAware, tenantID, entityID string) error {
	pub, err := s.sealedPublicKey(ctx, tenantID)
	if err != nil || pub == nil {
		return err
	}
	a := aad(tenantID, entityID)

	for field := range entity.EncryptedFields() {
		plaintext, ok := entity.FieldValue(field)
		if !ok || plaintext == "" {
			continue
		}
		packed, err := sealField(pub, []byte(plaintext), a)
		if err != nil {
			return fmt.Errorf("encryption: sealing field %s: %w", field, err)
		}
		entity.SetFieldValue(field, packed)
	}
	return nil
}

// sealField packs len(wrapped_dek):2 || wrapped_dek || nonce:12 || ciphertext+tag.
func sealField(pub *rsa.PublicKey, plaintext, a []byte) (string, error) {
	ephemeral := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, ephemeral); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(ephemeral)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, a)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, ephemeral, nil)
	if err != nil {
		return "", err
	}

	lenPrefix := make([]byte, 2)
	binary.BigEndian.PutUint16(lenPrefix, uint16(len(wrapped)))

	packed := append(lenPrefix, wrapped...)
	packed = append(packed, nonce...)
	packed = append(packed, ciphertext...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// DecryptFields decrypts every field entity declares, mutating it in
// place. Per spec.md §7, decryption never raises: on any failure the field
// is left untouched (returned verbatim), since ciphertext-passthrough is
// the only safe behavior for mixed-state rows. Sealed-mode fields are
// never touched here — only the tenant's private key can decrypt them.
func (s *Service) DecryptFields(ctx context.Context, entity types.EncryptionAware, tenantID, entityID string) error {
	fields := entity.EncryptedFields()
	if len(fields) == 0 || tenantID == "" {
		return nil
	}
	if _, err := s.getDEK(ctx, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	cached, ok := s.dekCache[tenantID]
	s.mu.Unlock()
	if !ok || cached.state != dekLive {
		return nil
	}

	a := aad(tenantID, entityID)
	for field := range fields {
		ciphertext, ok := entity.FieldValue(field)
		if !ok || ciphertext == "" {
			continue
		}
		plaintext, err := decryptField(cached.dek, ciphertext, a)
		if err != nil {
			continue // corrupted or not actually encrypted — return verbatim
		}
		entity.SetFieldValue(field, plaintext)
	}
	return nil
}

func decryptField(dek []byte, encoded string, a []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, a)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptSealed is the client-side convenience for sealed mode: it requires
// the tenant's RSA private key and is never called by the server itself
// (the server only ever holds the public key).
func DecryptSealed(entity types.EncryptionAware, tenantID, entityID string, privateKeyPEM []byte) error {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return fmt.Errorf("encryption: no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("encryption: parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("encryption: not an RSA private key")
	}

	a := aad(tenantID, entityID)
	for field := range entity.EncryptedFields() {
		packed, ok := entity.FieldValue(field)
		if !ok || packed == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(packed)
		if err != nil {
			continue
		}
		if len(raw) < 2 {
			continue
		}
		dekLen := int(binary.BigEndian.Uint16(raw[:2]))
		if len(raw) < 2+dekLen+12 {
			continue
		}
		wrappedDEK := raw[2 : 2+dekLen]
		nonce := raw[2+dekLen : 2+dekLen+12]
		ciphertext := raw[2+dekLen+12:]

		ephemeral, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrappedDEK, nil)
		if err != nil {
			continue
		}
		block, err := aes.NewCipher(ephemeral)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, a)
		if err != nil {
			continue
		}
		entity.SetFieldValue(field, string(plaintext))
	}
	return nil
}
