// Package postgres provides the PostgreSQL-backed object store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ElliottDenis/Viewport/internal/logging"
	"github.com/ElliottDenis/Viewport/internal/metrics"
	"github.com/ElliottDenis/Viewport/internal/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

// Store is a PostgreSQL object store implementing store.Store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// ─── Objects ────────────────────────────────────────────────────────────────

const objectColumns = `id, code, kind, title, text_content, storage_path, mime_type, bytes,
	recipient_account_id, channel, pin_protected, pin_hash, pin_expires_at,
	view_limit, views_used, expires_at, one_shot, claimed, uploader_user_id, created_at`

// InsertObject persists a new object row. A unique violation on the code
// column surfaces as store.ErrCodeTaken so the caller can retry generation.
func (s *Store) InsertObject(ctx context.Context, obj *store.Object) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_object", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (`+objectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		obj.ID, obj.Code, string(obj.Kind),
		nullStr(obj.Title), nullStr(obj.TextContent), nullStr(obj.StoragePath),
		nullStr(obj.MimeType), obj.Bytes,
		nullStr(obj.RecipientAccountID), nullStr(obj.Channel),
		obj.PinProtected, nullStr(obj.PinHash), obj.PinExpiresAt,
		obj.ViewLimit, obj.ViewsUsed, obj.ExpiresAt,
		obj.OneShot, obj.Claimed, nullStr(obj.UploaderUserID), obj.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return store.ErrCodeTaken
		}
		return fmt.Errorf("insert object: %w", err)
	}
	return nil
}

// GetObjectByID returns an object by its opaque primary id.
func (s *Store) GetObjectByID(ctx context.Context, id string) (*store.Object, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_object_by_id", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE id = $1`, id)
	return scanObject(row)
}

// GetObjectByCode returns an object by its public share code.
func (s *Store) GetObjectByCode(ctx context.Context, codeStr string) (*store.Object, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_object_by_code", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE code = $1`, codeStr)
	return scanObject(row)
}

// SetObjectBytes reconciles the stored byte count with the observed size.
func (s *Store) SetObjectBytes(ctx context.Context, id string, bytes int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_object_bytes", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET bytes = $1 WHERE id = $2`, bytes, id)
	if err != nil {
		return fmt.Errorf("set object bytes: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ConsumeView atomically increments views_used while it is below the limit.
// The conditional update is the single source of truth for the view cap, so
// two concurrent redemptions of a one-view object cannot both succeed.
func (s *Store) ConsumeView(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("consume_view", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET views_used = views_used + 1
		 WHERE id = $1 AND (view_limit = 0 OR views_used < view_limit)`, id)
	if err != nil {
		return false, fmt.Errorf("consume view: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume view rows: %w", err)
	}
	return n > 0, nil
}

// ClaimOneShot atomically flips the claimed flag. The WHERE clause ensures
// exactly one concurrent caller observes the flip.
func (s *Store) ClaimOneShot(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("claim_one_shot", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET claimed = TRUE WHERE id = $1 AND claimed = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("claim one-shot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim one-shot rows: %w", err)
	}
	return n > 0, nil
}

// DeleteObject removes the metadata row. Safe to call on a missing id.
func (s *Store) DeleteObject(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_object", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// PurgeExpired removes rows past their absolute expiry and returns their
// storage paths for blob cleanup.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]store.PurgedObject, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_expired", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM objects WHERE expires_at IS NOT NULL AND expires_at < $1
		 RETURNING id, COALESCE(storage_path, '')`, now)
	if err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	defer rows.Close()

	var purged []store.PurgedObject
	for rows.Next() {
		var p store.PurgedObject
		if err := rows.Scan(&p.ID, &p.StoragePath); err != nil {
			return nil, fmt.Errorf("scan purged: %w", err)
		}
		purged = append(purged, p)
	}
	return purged, rows.Err()
}

// CountLiveObjects returns the number of stored objects.
func (s *Store) CountLiveObjects(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count objects: %w", err)
	}
	return count, nil
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// GetAccount returns an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_account", time.Since(start)) }()

	var a store.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, role, verified, display_name, slug, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Role, &a.Verified, &a.DisplayName, &a.Slug, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListVerifiedAccounts returns accounts eligible as recipients, for pickers.
func (s *Store) ListVerifiedAccounts(ctx context.Context) ([]store.Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_verified_accounts", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, verified, display_name, slug, created_at
		 FROM accounts WHERE verified = TRUE ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []store.Account
	for rows.Next() {
		var a store.Account
		if err := rows.Scan(&a.ID, &a.Role, &a.Verified, &a.DisplayName, &a.Slug, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// IsMember reports whether the user has a membership row for the account.
func (s *Store) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("is_member", time.Since(start)) }()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_members WHERE account_id = $1 AND user_id = $2)`,
		accountID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanObject(row *sql.Row) (*store.Object, error) {
	var o store.Object
	var kind string
	var title, text, path, mime, recipient, channel, pinHash, uploader sql.NullString
	err := row.Scan(&o.ID, &o.Code, &kind, &title, &text, &path, &mime, &o.Bytes,
		&recipient, &channel, &o.PinProtected, &pinHash, &o.PinExpiresAt,
		&o.ViewLimit, &o.ViewsUsed, &o.ExpiresAt, &o.OneShot, &o.Claimed,
		&uploader, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan object: %w", err)
	}
	o.Kind = store.Kind(kind)
	o.Title = title.String
	o.TextContent = text.String
	o.StoragePath = path.String
	o.MimeType = mime.String
	o.RecipientAccountID = recipient.String
	o.Channel = channel.String
	o.PinHash = pinHash.String
	o.UploaderUserID = uploader.String
	return &o, nil
}
