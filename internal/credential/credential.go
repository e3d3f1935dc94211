package credential

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"log/slog"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service owns the API-key lifecycle: issue, verify, rotate, revoke. Keys are
// never deleted, only status-transitioned.
type Service struct {
	store  Store
	env    string
	logger *slog.Logger
	Clock  Clock
}

func NewService(store Store, env string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		env:    env,
		logger: logger,
		Clock:  systemClock{},
	}
}

// IssuedKey carries the stored record plus the plaintext key string. The
// plaintext is returned exactly once and is unrecoverable afterwards.
type IssuedKey struct {
	Key       *APIKey
	Plaintext string
}

func (s *Service) Issue(ctx context.Context, userID uuid.UUID, name string, perms PermissionSet, ipAllowList []string, expiresIn *time.Duration) (*IssuedKey, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	if err := ValidateIPAllowList(ipAllowList); err != nil {
		return nil, err
	}

	id, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}

	now := s.Clock.Now()
	key := &APIKey{
		ID:          id,
		UserID:      userID,
		Name:        name,
		SecretHash:  HashSecret(id, secret),
		Permissions: perms.Clone(),
		IPAllowList: append([]string(nil), ipAllowList...),
		CreatedAt:   now,
		Status:      StatusActive,
	}
	if expiresIn != nil {
		exp := now.Add(*expiresIn)
		key.ExpiresAt = &exp
	}

	if err := s.store.Insert(ctx, key); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}

	s.logger.Info("api key issued", "key_id", id, "user_id", userID.String())
	return &IssuedKey{Key: key, Plaintext: FormatKey(s.env, id, secret)}, nil
}

// VerifyResult is the structured outcome of a verification attempt. A failed
// check is a value, not an error; errors are reserved for store faults.
type VerifyResult struct {
	Valid  bool
	Key    *APIKey
	Reason string
}

func (s *Service) Verify(ctx context.Context, keyString string) (VerifyResult, error) {
	_, id, secret, err := ParseKey(keyString)
	if err != nil {
		return VerifyResult{Reason: "invalid key"}, nil
	}

	key, err := s.store.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return VerifyResult{Reason: "invalid key"}, nil
		}
		return VerifyResult{}, fmt.Errorf("lookup api key: %w", err)
	}

	switch key.Status {
	case StatusRevoked:
		return VerifyResult{Reason: "revoked"}, nil
	case StatusExpired:
		return VerifyResult{Reason: "expired"}, nil
	}

	now := s.Clock.Now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		key.Status = StatusExpired
		if err := s.store.Update(ctx, key); err != nil {
			return VerifyResult{}, fmt.Errorf("expire api key: %w", err)
		}
		return VerifyResult{Reason: "expired"}, nil
	}

	computed := HashSecret(id, secret)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(key.SecretHash)) != 1 {
		return VerifyResult{Reason: "invalid key"}, nil
	}

	key.LastUsedAt = &now
	if err := s.store.Update(ctx, key); err != nil {
		return VerifyResult{}, fmt.Errorf("mark api key used: %w", err)
	}

	return VerifyResult{Valid: true, Key: key}, nil
}

func (s *Service) CheckPermission(key *APIKey, required Permission) bool {
	if key == nil {
		return false
	}
	return key.Permissions.Has(required)
}

func (s *Service) CheckIPAllowed(key *APIKey, clientIP string) bool {
	if key == nil {
		return false
	}
	return IPAllowed(clientIP, key.IPAllowList)
}

// Rotate revokes the key and issues a replacement with the same scope in a
// single store operation.
func (s *Service) Rotate(ctx context.Context, id string) (*IssuedKey, error) {
	key, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status != StatusActive {
		return nil, ErrKeyInactive
	}

	newID, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}

	now := s.Clock.Now()
	key.Status = StatusRevoked

	replacement := &APIKey{
		ID:          newID,
		UserID:      key.UserID,
		Name:        key.Name,
		SecretHash:  HashSecret(newID, secret),
		Permissions: key.Permissions.Clone(),
		IPAllowList: append([]string(nil), key.IPAllowList...),
		CreatedAt:   now,
		Status:      StatusActive,
	}
	if key.ExpiresAt != nil {
		exp := *key.ExpiresAt
		replacement.ExpiresAt = &exp
	}

	if err := s.store.Rotate(ctx, key, replacement); err != nil {
		return nil, fmt.Errorf("rotate api key: %w", err)
	}

	s.logger.Info("api key rotated", "old_key_id", id, "new_key_id", newID)
	return &IssuedKey{Key: replacement, Plaintext: FormatKey(s.env, newID, secret)}, nil
}

// Revoke is idempotent: revoking an already revoked key succeeds.
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == StatusRevoked {
		return nil
	}
	key.Status = StatusRevoked
	if err := s.store.Update(ctx, key); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	s.logger.Info("api key revoked", "key_id", id)
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	return s.store.ListByUser(ctx, userID.String())
}
