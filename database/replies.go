package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"msgboard/apperrors"
	"msgboard/models"
	"msgboard/moderation"
)

const replyColumns = "id, thread_id, body, author_name, created_at, edited_at, deleted, poster_fingerprint"

func scanReply(s rowScanner) (models.Reply, error) {
	var r models.Reply
	var created int64
	var edited sql.NullInt64
	if err := s.Scan(&r.ID, &r.ThreadID, &r.Body, &r.AuthorName, &created, &edited, &r.Deleted, &r.PosterFingerprint); err != nil {
		return r, err
	}
	r.CreatedAt = fromNanos(created)
	r.EditedAt = nullNanos(edited)
	return r, nil
}

// CreateReply inserts a reply and bumps its thread in one transaction. check runs
// against the thread as it stands inside that transaction, so a lock or delete that
// commits first is always observed. A nil check only rejects missing or deleted threads.
func (ds *DatabaseService) CreateReply(ctx context.Context, nr models.NewReply, check func(t *models.Thread, boardLocked bool) error) (int64, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer ds.rollback(tx, "CreateReply")

	t, err := getThread(ctx, tx, nr.ThreadID)
	if err != nil {
		return 0, storeErr("get thread", err)
	}
	if check != nil {
		locked, err := boardLocked(ctx, tx)
		if err != nil {
			return 0, storeErr("read board lock", err)
		}
		if err := check(t, locked); err != nil {
			return 0, err
		}
	} else if t.Deleted {
		return 0, apperrors.ThreadNotFound(nr.ThreadID)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO replies (thread_id, body, author_name, created_at, poster_fingerprint) VALUES (?, ?, ?, ?, ?)",
		nr.ThreadID, nr.Body, nr.AuthorName, toNanos(ds.Now()), nr.PosterFingerprint)
	if err != nil {
		return 0, storeErr("insert reply", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := ds.BumpOnReply(ctx, tx, nr.ThreadID); err != nil {
		return 0, storeErr("bump thread", err)
	}
	return id, storeErr("commit", tx.Commit())
}

// SoftDeleteReply marks a reply deleted and decrements its thread's counter in the
// same transaction. Only a live reply changes anything, so repeating it is a no-op.
func (ds *DatabaseService) SoftDeleteReply(ctx context.Context, replyID int64, modHash string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer ds.rollback(tx, "SoftDeleteReply")

	threadID, err := liveParent(ctx, tx, replyID)
	if err != nil {
		return storeErr("get reply", err)
	}

	res, err := tx.ExecContext(ctx, "UPDATE replies SET deleted = 1 WHERE id = ? AND deleted = 0", replyID)
	if err != nil {
		return storeErr("delete reply", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET reply_count = reply_count - 1 WHERE id = ?", threadID); err != nil {
		return storeErr("decrement reply count", err)
	}
	details := fmt.Sprintf("thread %d", threadID)
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionDeleteReply.LogName(), replyID, details); err != nil {
		return storeErr("delete reply", err)
	}
	return storeErr("commit", tx.Commit())
}

// EditReplyBody replaces a live reply's body.
func (ds *DatabaseService) EditReplyBody(ctx context.Context, replyID int64, body, modHash string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer ds.rollback(tx, "EditReplyBody")

	if _, err := liveParent(ctx, tx, replyID); err != nil {
		return storeErr("get reply", err)
	}
	res, err := tx.ExecContext(ctx, "UPDATE replies SET body = ?, edited_at = ? WHERE id = ? AND deleted = 0",
		body, toNanos(ds.Now()), replyID)
	if err != nil {
		return storeErr("edit reply", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperrors.ReplyNotFound(replyID)
	}
	if err := ds.LogModAction(ctx, tx, modHash, moderation.ActionEditReply.LogName(), replyID, ""); err != nil {
		return storeErr("edit reply", err)
	}
	return storeErr("commit", tx.Commit())
}

// liveParent returns the thread of a reply, or NotFound when the reply is missing or
// its thread is deleted.
func liveParent(ctx context.Context, q querier, replyID int64) (int64, error) {
	var threadID int64
	var threadDeleted bool
	err := q.QueryRowContext(ctx,
		"SELECT r.thread_id, t.deleted FROM replies r JOIN threads t ON t.id = r.thread_id WHERE r.id = ?",
		replyID).Scan(&threadID, &threadDeleted)
	if err == sql.ErrNoRows {
		return 0, apperrors.ReplyNotFound(replyID)
	}
	if err != nil {
		return 0, err
	}
	if threadDeleted {
		return 0, apperrors.ThreadNotFound(threadID)
	}
	return threadID, nil
}

// GetReply returns the raw reply row.
func (ds *DatabaseService) GetReply(ctx context.Context, replyID int64) (*models.Reply, error) {
	r, err := scanReply(ds.DB.QueryRowContext(ctx, "SELECT "+replyColumns+" FROM replies WHERE id = ?", replyID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ReplyNotFound(replyID)
	}
	if err != nil {
		return nil, storeErr("get reply", err)
	}
	return &r, nil
}

// ListReplies returns a thread's replies in the requested order. A Limit of zero
// means no limit.
func (ds *DatabaseService) ListReplies(ctx context.Context, threadID int64, q models.ReplyQuery) ([]models.Reply, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + replyColumns + " FROM replies WHERE thread_id = ?")
	if !q.IncludeDeleted {
		sb.WriteString(" AND deleted = 0")
	}
	if q.Order == models.NewestFirst {
		sb.WriteString(" ORDER BY id DESC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	sb.WriteString(" LIMIT ? OFFSET ?")

	rows, err := ds.DB.QueryContext(ctx, sb.String(), threadID, limit, max(q.Offset, 0))
	if err != nil {
		return nil, storeErr("list replies", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListReplies", "error", err)
		}
	}()

	replies := []models.Reply{}
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, storeErr("list replies", rows.Err())
}

// CountReplies counts a thread's replies, optionally including deleted ones.
func (ds *DatabaseService) CountReplies(ctx context.Context, threadID int64, includeDeleted bool) (int, error) {
	query := "SELECT COUNT(*) FROM replies WHERE thread_id = ?"
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	var count int
	err := ds.DB.QueryRowContext(ctx, query, threadID).Scan(&count)
	return count, storeErr("count replies", err)
}

func (ds *DatabaseService) CountLiveReplies(ctx context.Context, threadID int64) (int, error) {
	return ds.CountReplies(ctx, threadID, false)
}

// PreviewReplies fetches the newest n live replies of each thread in one query and
// returns them oldest first per thread.
func (ds *DatabaseService) PreviewReplies(ctx context.Context, threadIDs []int64, n int) (map[int64][]models.Reply, error) {
	previews := make(map[int64][]models.Reply, len(threadIDs))
	if len(threadIDs) == 0 || n < 1 {
		return previews, nil
	}
	args := make([]any, 0, len(threadIDs)+1)
	for _, id := range threadIDs {
		args = append(args, id)
	}
	args = append(args, n)

	query := `
        WITH RankedReplies AS (
            SELECT r.*, ROW_NUMBER() OVER(PARTITION BY r.thread_id ORDER BY r.id DESC) AS rn
            FROM replies r WHERE r.thread_id IN (?` + strings.Repeat(",?", len(threadIDs)-1) + `) AND r.deleted = 0
        )
        SELECT ` + replyColumns + `
        FROM RankedReplies WHERE rn <= ? ORDER BY thread_id, id ASC`
	rows, err := ds.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("preview replies", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in PreviewReplies", "error", err)
		}
	}()

	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preview reply: %w", err)
		}
		previews[r.ThreadID] = append(previews[r.ThreadID], r)
	}
	return previews, storeErr("preview replies", rows.Err())
}
