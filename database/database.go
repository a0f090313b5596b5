// msgboard/database/database.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"msgboard/apperrors"
	"msgboard/models"
	"msgboard/utils"
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB     *sql.DB
	logger *slog.Logger

	// BackupDir is where BackupDatabase writes snapshots.
	BackupDir string
	// Now is the clock used for every stored timestamp.
	Now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DSN builds the connection string for a database file. Every transaction is
// BEGIN IMMEDIATE so writers queue on the busy timeout instead of failing at commit.
func DSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

// InitDB connects to the database and runs migrations.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Run the base schema to ensure all tables exist.
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	// Run versioned migrations
	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already opened and migrated handle.
func NewWithDB(db *sql.DB, logger *slog.Logger) *DatabaseService {
	return &DatabaseService{
		DB:     db,
		logger: logger,
		Now:    utils.GetSQLTime,
	}
}

func (ds *DatabaseService) Close() error {
	return ds.DB.Close()
}

// Ping is used by the health check.
func (ds *DatabaseService) Ping(ctx context.Context) error {
	return storeErr("ping", ds.DB.PingContext(ctx))
}

// BackupDatabase performs an online backup of the live SQLite database using VACUUM INTO.
func (ds *DatabaseService) BackupDatabase(ctx context.Context) (string, error) {
	if ds.BackupDir == "" {
		return "", fmt.Errorf("backup directory is not configured")
	}
	if err := os.MkdirAll(ds.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("could not create backup directory %s: %w", ds.BackupDir, err)
	}

	timestamp := ds.Now().UTC().Format("2006-01-02_15-04-05.000000000")
	backupPath := filepath.Join(ds.BackupDir, fmt.Sprintf("msgboard_backup_%s.db", timestamp))

	ds.logger.Info("Starting database backup", "destination", backupPath)

	if _, err := ds.DB.ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		// If backup fails, attempt to remove the potentially incomplete file
		if removeErr := os.Remove(backupPath); removeErr != nil && !os.IsNotExist(removeErr) {
			ds.logger.Error("Failed to remove incomplete backup file", "path", backupPath, "error", removeErr)
		}
		return "", storeErr("VACUUM INTO", err)
	}

	return backupPath, nil
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version <= latestVersion {
			continue
		}
		logger.Info("Applying migration", "version", m.Version)
		tx, err := db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(m.Query); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, toNanos(utils.GetSQLTime())); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		logger.Info("Successfully applied migration", "version", m.Version)
	}
	return nil
}

// LogModAction records a moderator's action inside the caller's transaction.
func (ds *DatabaseService) LogModAction(ctx context.Context, tx *sql.Tx, modHash, action string, targetID int64, details string) error {
	if modHash == "" {
		return nil
	}
	var target sql.NullInt64
	if targetID != 0 {
		target = sql.NullInt64{Int64: targetID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO mod_actions (timestamp, moderator_hash, action, target_id, details) VALUES (?, ?, ?, ?, ?)",
		toNanos(ds.Now()), modHash, action, target, details)
	if err != nil {
		return fmt.Errorf("failed to execute mod action log: %w", err)
	}
	return nil
}

// ListModActions returns the newest moderator actions first.
func (ds *DatabaseService) ListModActions(ctx context.Context, limit int) ([]models.ModAction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := ds.DB.QueryContext(ctx,
		"SELECT id, timestamp, moderator_hash, action, target_id, details FROM mod_actions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, storeErr("list mod actions", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListModActions", "error", err)
		}
	}()

	actions := []models.ModAction{}
	for rows.Next() {
		var a models.ModAction
		var ts int64
		if err := rows.Scan(&a.ID, &ts, &a.ModeratorHash, &a.Action, &a.TargetID, &a.Details); err != nil {
			return nil, fmt.Errorf("scan mod action: %w", err)
		}
		a.Timestamp = fromNanos(ts)
		actions = append(actions, a)
	}
	return actions, storeErr("list mod actions", rows.Err())
}

// BoardLocked reports whether the board-wide posting lock is on.
func (ds *DatabaseService) BoardLocked(ctx context.Context) (bool, error) {
	locked, err := boardLocked(ctx, ds.DB)
	return locked, storeErr("read board lock", err)
}

// ToggleBoardLock flips the board-wide posting lock and returns the new state.
func (ds *DatabaseService) ToggleBoardLock(ctx context.Context, modHash string) (bool, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin", err)
	}
	defer ds.rollback(tx, "ToggleBoardLock")

	var value string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('posting_locked', '1')
		ON CONFLICT(key) DO UPDATE SET value = CASE value WHEN '1' THEN '0' ELSE '1' END
		RETURNING value`).Scan(&value)
	if err != nil {
		return false, storeErr("toggle board lock", err)
	}
	locked := value == "1"
	if err := ds.LogModAction(ctx, tx, modHash, "toggle_board_lock", 0, fmt.Sprintf("locked=%t", locked)); err != nil {
		return false, storeErr("toggle board lock", err)
	}
	return locked, storeErr("commit", tx.Commit())
}

func boardLocked(ctx context.Context, q querier) (bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'posting_locked'").Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

// --- Internal Helpers ---

func (ds *DatabaseService) rollback(tx *sql.Tx, op string) {
	if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		ds.logger.Error("Failed to rollback transaction", "op", op, "error", rerr)
	}
}

// storeErr wraps err with op, turning lock contention into StoreUnavailableError.
// Errors already typed by apperrors pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apperrors.Is[*apperrors.NotFoundError](err),
		apperrors.Is[*apperrors.LockedError](err),
		apperrors.Is[*apperrors.ValidationError](err),
		apperrors.Is[*apperrors.ForbiddenError](err),
		apperrors.Is[*apperrors.StoreUnavailableError](err):
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	if isBusy(err) {
		return &apperrors.StoreUnavailableError{Err: wrapped}
	}
	return wrapped
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
