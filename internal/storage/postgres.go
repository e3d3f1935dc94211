package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/audit"
	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStore is the database-backed credential.Store. The in-memory store
// stays the default; this one is wired when PB_DB_DSN is set.
type KeyStore struct {
	pool *pgxpool.Pool
}

func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

func (s *KeyStore) Insert(ctx context.Context, key *credential.APIKey) error {
	ipJSON, err := json.Marshal(key.IPAllowList)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, secret_hash, permissions, ip_allow_list, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`, key.ID, key.UserID, key.Name, key.SecretHash, permissionStrings(key.Permissions), ipJSON, string(key.Status), key.CreatedAt, key.ExpiresAt)
	return err
}

func (s *KeyStore) Get(ctx context.Context, id string) (*credential.APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, secret_hash, permissions, ip_allow_list, status, created_at, expires_at, last_used_at
		FROM api_keys
		WHERE id = $1
	`, id)

	key, err := scanAPIKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	return key, err
}

func (s *KeyStore) Update(ctx context.Context, key *credential.APIKey) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET status = $2, last_used_at = $3, expires_at = $4
		WHERE id = $1
	`, key.ID, string(key.Status), key.LastUsedAt, key.ExpiresAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// Rotate revokes the old key and inserts its replacement in one
// transaction, so verifiers never observe a gap between the two.
func (s *KeyStore) Rotate(ctx context.Context, revoked, replacement *credential.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE api_keys SET status = $2 WHERE id = $1
	`, revoked.ID, string(revoked.Status))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return credential.ErrNotFound
	}

	ipJSON, err := json.Marshal(replacement.IPAllowList)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, secret_hash, permissions, ip_allow_list, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`, replacement.ID, replacement.UserID, replacement.Name, replacement.SecretHash,
		permissionStrings(replacement.Permissions), ipJSON, string(replacement.Status),
		replacement.CreatedAt, replacement.ExpiresAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *KeyStore) ListByUser(ctx context.Context, userID string) ([]credential.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, secret_hash, permissions, ip_allow_list, status, created_at, expires_at, last_used_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []credential.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *key)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*credential.APIKey, error) {
	var key credential.APIKey
	var perms []string
	var ipBytes []byte
	var status string
	if err := row.Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash, &perms, &ipBytes,
		&status, &key.CreatedAt, &key.ExpiresAt, &key.LastUsedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ipBytes, &key.IPAllowList); err != nil {
		return nil, fmt.Errorf("decode ip allow list: %w", err)
	}
	key.Status = credential.Status(status)
	key.Permissions = credential.NewPermissionSet()
	for _, p := range perms {
		key.Permissions[credential.Permission(p)] = struct{}{}
	}
	return &key, nil
}

func permissionStrings(set credential.PermissionSet) []string {
	out := make([]string, 0, len(set))
	for _, p := range set.List() {
		out = append(out, string(p))
	}
	return out
}

// AuditStore is the database-backed audit.Store. Entries are append-only;
// the only delete path is retention archiving.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, user_id, action, resource, ip, user_agent, created_at, metadata, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`, entry.ID, entry.UserID, entry.Action, entry.Resource, entry.IP, entry.UserAgent,
		entry.Timestamp, metaJSON, entry.Checksum)
	return err
}

func (s *AuditStore) Snapshot(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, action, resource, ip, user_agent, created_at, metadata, checksum
		FROM audit_entries
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var metaBytes []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Resource,
			&entry.IP, &entry.UserAgent, &entry.Timestamp, &metaBytes, &entry.Checksum); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// The anchor is a single checkpoint row; archival rewrites it in place.
func (s *AuditStore) SaveAnchor(ctx context.Context, checksum string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_anchor (id, checksum) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET checksum = EXCLUDED.checksum
	`, checksum)
	return err
}

func (s *AuditStore) LoadAnchor(ctx context.Context) (string, error) {
	var checksum string
	err := s.pool.QueryRow(ctx, `
		SELECT checksum FROM audit_anchor WHERE id = 1
	`).Scan(&checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return checksum, err
}

func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		DELETE FROM audit_entries WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}
