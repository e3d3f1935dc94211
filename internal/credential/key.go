package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrNotFound         = errors.New("api key not found")
	ErrKeyInactive      = errors.New("api key not active")
	ErrInvalidAllowList = errors.New("invalid ip allow list")
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Permission is a tagged scope value. PermAll is an explicit variant rather
// than a wildcard string matched against request scopes.
type Permission string

const (
	PermAll      Permission = "all"
	PermRead     Permission = "read"
	PermTrade    Permission = "trade"
	PermWithdraw Permission = "withdraw"
	PermAccount  Permission = "account"
)

type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func (s PermissionSet) Has(required Permission) bool {
	if _, ok := s[PermAll]; ok {
		return true
	}
	_, ok := s[required]
	return ok
}

func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

type APIKey struct {
	ID          string
	UserID      uuid.UUID
	Name        string
	SecretHash  string
	Permissions PermissionSet
	IPAllowList []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	Status      Status
}

func (k *APIKey) clone() *APIKey {
	cp := *k
	cp.Permissions = k.Permissions.Clone()
	cp.IPAllowList = append([]string(nil), k.IPAllowList...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// FormatKey builds the one-time plaintext handed to the caller. The secret is
// never stored; only its hash is.
func FormatKey(env, id, secret string) string {
	return fmt.Sprintf("pb_%s_%s.%s", env, id, secret)
}

func ParseKey(key string) (env string, id string, secret string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", "", "", ErrInvalidKey
	}
	head := parts[0]
	secret = parts[1]

	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != "pb" {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	id = headParts[2]
	if env == "" || id == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, id, secret, nil
}

func HashSecret(id, secret string) string {
	sum := sha256.Sum256([]byte(id + "." + secret))
	return hex.EncodeToString(sum[:])
}

func ValidateIPAllowList(allowList []string) error {
	for _, entry := range allowList {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidAllowList
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidAllowList
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidAllowList
		}
	}
	return nil
}

func IPAllowed(clientIP string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowList {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func generateID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
