package database

import (
	"context"
	"database/sql"
	"fmt"

	"msgboard/apperrors"
	"msgboard/models"
	"msgboard/moderation"
	"msgboard/ordering"
)

const threadColumns = `id, title, body, author_name, media_path, media_thumb_path, media_mime, media_size,
	created_at, last_activity_at, edited_at, reply_count, sticky, locked, deleted, poster_fingerprint`

// bumpStep is the minimum advance of last_activity_at per accepted reply.
const bumpStep = 1000 // nanoseconds

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(s rowScanner) (models.Thread, error) {
	var t models.Thread
	var mediaPath, thumbPath, mime sql.NullString
	var size, edited sql.NullInt64
	var created, lastActivity int64
	err := s.Scan(&t.ID, &t.Title, &t.Body, &t.AuthorName, &mediaPath, &thumbPath, &mime, &size,
		&created, &lastActivity, &edited, &t.ReplyCount, &t.Sticky, &t.Locked, &t.Deleted, &t.PosterFingerprint)
	if err != nil {
		return t, err
	}
	t.CreatedAt = fromNanos(created)
	t.LastActivityAt = fromNanos(lastActivity)
	t.EditedAt = nullNanos(edited)
	if mediaPath.Valid {
		t.Media = &models.MediaRef{
			Path:      mediaPath.String,
			ThumbPath: thumbPath.String,
			MimeType:  mime.String,
			Size:      size.Int64,
		}
	}
	return t, nil
}

func getThread(ctx context.Context, q querier, id int64) (*models.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperrors.ThreadNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateThread inserts a thread. check, when non-nil, sees the board-wide posting
// lock inside the write transaction and can veto the insert.
func (ds *DatabaseService) CreateThread(ctx context.Context, nt models.NewThread, check func(boardLocked bool) error) (int64, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer ds.rollback(tx, "CreateThread")

	if check != nil {
		locked, err := boardLocked(ctx, tx)
		if err != nil {
			return 0, storeErr("read board lock", err)
		}
		if err := check(locked); err != nil {
			return 0, err
		}
	}

	var mediaPath, thumbPath, mime sql.NullString
	var size sql.NullInt64
	if m := nt.Media; m != nil {
		mediaPath = sql.NullString{String: m.Path, Valid: true}
		thumbPath = sql.NullString{String: m.ThumbPath, Valid: m.ThumbPath != ""}
		mime = sql.NullString{String: m.MimeType, Valid: true}
		size = sql.NullInt64{Int64: m.Size, Valid: true}
	}

	now := toNanos(ds.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO threads (title, body, author_name, media_path, media_thumb_path, media_mime, media_size,
			created_at, last_activity_at, poster_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nt.Title, nt.Body, nt.AuthorName, mediaPath, thumbPath, mime, size, now, now, nt.PosterFingerprint)
	if err != nil {
		return 0, storeErr("insert thread", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, storeErr("commit", tx.Commit())
}

// GetThread returns the raw row, deleted or not. Visibility is the caller's job.
func (ds *DatabaseService) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	t, err := getThread(ctx, ds.DB, id)
	return t, storeErr("get thread", err)
}

// BumpOnReply records an accepted reply on its thread: the counter goes up by one and
// last_activity_at moves to now, or one microsecond past its previous value when the
// clock has not advanced. Must run in the transaction that inserted the reply.
func (ds *DatabaseService) BumpOnReply(ctx context.Context, tx *sql.Tx, threadID int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET reply_count = reply_count + 1,
		    last_activity_at = MAX(?, last_activity_at + ?)
		WHERE id = ? AND deleted = 0`, toNanos(ds.Now()), bumpStep, threadID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ThreadNotFound(threadID)
	}
	return nil
}

// SoftDeleteThread marks a thread and all its replies deleted, zeroes its counter and
// detaches its media, all in one transaction. The detached media is returned so the
// caller can release it after commit. Deleting an already deleted thread is a no-op.
func (ds *DatabaseService) SoftDeleteThread(ctx context.Context, threadID int64, modHash string) (*models.MediaRef, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer ds.rollback(tx, "SoftDeleteThread")

	t, err := getThread(ctx, tx, threadID)
	if err != nil {
		return nil, storeErr("get thread", err)
	}
	if t.Deleted {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET deleted = 1, reply_count = 0,
		    media_path = NULL, media_thumb_path = NULL, media_mime = NULL, media_size = NULL
		WHERE id = ?`, threadID); err != nil {
		return nil, storeErr("delete thread", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE replies SET deleted = 1 WHERE thread_id = ?", threadID); err != nil {
		return nil, storeErr("cascade delete replies", err)
	}
	details := fmt.Sprintf("title=%q replies=%d", t.Title, t.ReplyCount)
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionDelete.LogName(), threadID, details); err != nil {
		return nil, storeErr("delete thread", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return t.Media, nil
}

// HardDeleteThread removes a thread row. Replies go with it through the foreign key.
func (ds *DatabaseService) HardDeleteThread(ctx context.Context, threadID int64, modHash string) (*models.MediaRef, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer ds.rollback(tx, "HardDeleteThread")

	t, err := getThread(ctx, tx, threadID)
	if err != nil {
		return nil, storeErr("get thread", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", threadID); err != nil {
		return nil, storeErr("hard delete thread", err)
	}
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionHardDelete.LogName(), threadID, fmt.Sprintf("title=%q", t.Title)); err != nil {
		return nil, storeErr("hard delete thread", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return t.Media, nil
}

// ToggleSticky flips the pinned flag and returns the new value.
func (ds *DatabaseService) ToggleSticky(ctx context.Context, threadID int64, modHash string) (bool, error) {
	return ds.toggleFlag(ctx, threadID, "sticky", moderation.ActionSticky, modHash)
}

// ToggleLocked flips the locked flag and returns the new value.
func (ds *DatabaseService) ToggleLocked(ctx context.Context, threadID int64, modHash string) (bool, error) {
	return ds.toggleFlag(ctx, threadID, "locked", moderation.ActionLock, modHash)
}

// toggleFlag never touches last_activity_at. column is one of the fixed flag names above.
func (ds *DatabaseService) toggleFlag(ctx context.Context, threadID int64, column string, action moderation.Action, modHash string) (bool, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin", err)
	}
	defer ds.rollback(tx, "toggle "+column)

	var value bool
	query := fmt.Sprintf("UPDATE threads SET %[1]s = NOT %[1]s WHERE id = ? AND deleted = 0 RETURNING %[1]s", column)
	if err := tx.QueryRowContext(ctx, query, threadID).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return false, apperrors.ThreadNotFound(threadID)
		}
		return false, storeErr("toggle "+column, err)
	}
	if err := ds.LogModAction(ctx, tx, modHash, action.LogName(), threadID, fmt.Sprintf("%s=%t", column, value)); err != nil {
		return false, storeErr("toggle "+column, err)
	}
	return value, storeErr("commit", tx.Commit())
}

// Recount recomputes reply_count from the live replies and persists it. A deleted
// thread always counts zero.
func (ds *DatabaseService) Recount(ctx context.Context, threadID int64, modHash string) (int, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer ds.rollback(tx, "Recount")

	t, err := getThread(ctx, tx, threadID)
	if err != nil {
		return 0, storeErr("get thread", err)
	}
	count := 0
	if !t.Deleted {
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM replies WHERE thread_id = ? AND deleted = 0", threadID).Scan(&count); err != nil {
			return 0, storeErr("count replies", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET reply_count = ? WHERE id = ?", count, threadID); err != nil {
		return 0, storeErr("recount", err)
	}
	details := fmt.Sprintf("reply_count %d -> %d", t.ReplyCount, count)
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionRecount.LogName(), threadID, details); err != nil {
		return 0, storeErr("recount", err)
	}
	return count, storeErr("commit", tx.Commit())
}

// CountThreads counts threads that are not deleted.
func (ds *DatabaseService) CountThreads(ctx context.Context) (int, error) {
	var count int
	err := ds.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM threads WHERE deleted = 0").Scan(&count)
	return count, storeErr("count threads", err)
}

// ListPage returns one page of live threads in board order. The page number is
// clamped into range, so any request yields a valid window.
func (ds *DatabaseService) ListPage(ctx context.Context, page, pageSize int) ([]models.Thread, ordering.Window, error) {
	total, err := ds.CountThreads(ctx)
	if err != nil {
		return nil, ordering.Window{}, err
	}
	w := ordering.Paginate(total, pageSize, page)

	rows, err := ds.DB.QueryContext(ctx,
		"SELECT "+threadColumns+" FROM threads WHERE deleted = 0 ORDER BY "+ordering.ThreadOrderSQL+" LIMIT ? OFFSET ?",
		w.Limit, w.Offset)
	if err != nil {
		return nil, w, storeErr("list threads", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListPage", "error", err)
		}
	}()

	threads := []models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, w, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, w, storeErr("list threads", rows.Err())
}

// EditThreadBody replaces a live thread's body. last_activity_at is left alone.
func (ds *DatabaseService) EditThreadBody(ctx context.Context, threadID int64, body, modHash string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer ds.rollback(tx, "EditThreadBody")

	res, err := tx.ExecContext(ctx, "UPDATE threads SET body = ?, edited_at = ? WHERE id = ? AND deleted = 0",
		body, toNanos(ds.Now()), threadID)
	if err != nil {
		return storeErr("edit thread", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperrors.ThreadNotFound(threadID)
	}
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionEditThread.LogName(), threadID, ""); err != nil {
		return storeErr("edit thread", err)
	}
	return storeErr("commit", tx.Commit())
}
