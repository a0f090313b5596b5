// Package board is the entry point for every read and write the HTTP surface makes.
// It runs the moderation gate, the store transaction and media handling in order.
package board

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"msgboard/apperrors"
	"msgboard/models"
	"msgboard/moderation"
	"msgboard/ordering"
)

// Storage is the durable store the service runs against.
type Storage interface {
	CreateThread(ctx context.Context, nt models.NewThread, check func(boardLocked bool) error) (int64, error)
	CreateReply(ctx context.Context, nr models.NewReply, check func(t *models.Thread, boardLocked bool) error) (int64, error)
	GetThread(ctx context.Context, id int64) (*models.Thread, error)
	GetReply(ctx context.Context, id int64) (*models.Reply, error)
	ListPage(ctx context.Context, page, pageSize int) ([]models.Thread, ordering.Window, error)
	PreviewReplies(ctx context.Context, threadIDs []int64, n int) (map[int64][]models.Reply, error)
	ListReplies(ctx context.Context, threadID int64, q models.ReplyQuery) ([]models.Reply, error)
	CountReplies(ctx context.Context, threadID int64, includeDeleted bool) (int, error)

	SoftDeleteThread(ctx context.Context, threadID int64, modHash string) (*models.MediaRef, error)
	HardDeleteThread(ctx context.Context, threadID int64, modHash string) (*models.MediaRef, error)
	ToggleSticky(ctx context.Context, threadID int64, modHash string) (bool, error)
	ToggleLocked(ctx context.Context, threadID int64, modHash string) (bool, error)
	Recount(ctx context.Context, threadID int64, modHash string) (int, error)
	EditThreadBody(ctx context.Context, threadID int64, body, modHash string) error
	SoftDeleteReply(ctx context.Context, replyID int64, modHash string) error
	EditReplyBody(ctx context.Context, replyID int64, body, modHash string) error

	BoardLocked(ctx context.Context) (bool, error)
	ToggleBoardLock(ctx context.Context, modHash string) (bool, error)
	ListModActions(ctx context.Context, limit int) ([]models.ModAction, error)
	BackupDatabase(ctx context.Context) (string, error)
}

// MediaGate validates, persists and releases uploads.
type MediaGate interface {
	Store(ctx context.Context, data []byte, declaredMime string, size int64) (*models.MediaRef, error)
	Release(ctx context.Context, ref *models.MediaRef) error
}

// listTimeout bounds a coalesced board page read.
const listTimeout = 30 * time.Second

type Options struct {
	ThreadsPerPage int
	RepliesPerPage int
	PreviewReplies int
	Policy         moderation.Policy
}

type Service struct {
	store   Storage
	media   MediaGate
	opts    Options
	metrics *Metrics
	logger  *slog.Logger

	// listings coalesces concurrent reads of the same board page.
	listings singleflight.Group
}

func NewService(store Storage, media MediaGate, opts Options, metrics *Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		media:   media,
		opts:    opts,
		metrics: metrics,
		logger:  logger.With("component", "board"),
	}
}

type ThreadPage struct {
	Threads []models.Thread `json:"threads"`
	ordering.Window
	BoardLocked bool `json:"board_locked"`
}

type ThreadView struct {
	Thread  models.Thread  `json:"thread"`
	Replies []models.Reply `json:"replies"`
	ordering.Window
}

// ModerationResult reports the state an action left behind.
type ModerationResult struct {
	Action     moderation.Action `json:"action"`
	TargetID   int64             `json:"target_id,omitempty"`
	Value      *bool             `json:"value,omitempty"`
	ReplyCount *int              `json:"reply_count,omitempty"`
}

// CreateThread stores any upload first, then inserts the thread. If the insert fails
// the upload is released and the insert error returned.
func (s *Service) CreateThread(ctx context.Context, caller models.CallerContext, in ThreadInput, up *Upload) (*models.Thread, error) {
	in.normalize()
	if err := check(&in); err != nil {
		return nil, err
	}
	gate := func(boardLocked bool) error { return s.opts.Policy.CheckNewThread(caller, boardLocked) }

	// Fail fast before touching media; the store repeats the check in its transaction.
	locked, err := s.store.BoardLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := gate(locked); err != nil {
		return nil, err
	}

	var ref *models.MediaRef
	if up != nil {
		ref, err = s.media.Store(ctx, up.Data, up.MimeType, up.Size)
		if err != nil {
			return nil, err
		}
	}

	id, err := s.store.CreateThread(ctx, models.NewThread{
		Title:             in.Title,
		Body:              in.Body,
		AuthorName:        in.AuthorName,
		Media:             ref,
		PosterFingerprint: caller.Fingerprint,
	}, gate)
	if err != nil {
		s.release(ctx, ref)
		return nil, err
	}
	s.metrics.ThreadsCreated.Inc()
	s.logger.Info("Thread created", "thread_id", id, "has_media", ref != nil)
	return s.store.GetThread(ctx, id)
}

func (s *Service) CreateReply(ctx context.Context, caller models.CallerContext, threadID int64, in ReplyInput) (*models.Reply, error) {
	in.normalize()
	if err := check(&in); err != nil {
		return nil, err
	}
	id, err := s.store.CreateReply(ctx, models.NewReply{
		ThreadID:          threadID,
		Body:              in.Body,
		AuthorName:        in.AuthorName,
		PosterFingerprint: caller.Fingerprint,
	}, func(t *models.Thread, boardLocked bool) error {
		return s.opts.Policy.CheckReply(t, caller, boardLocked)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RepliesCreated.Inc()
	return s.store.GetReply(ctx, id)
}

// ListThreads returns one board page with each thread's newest replies attached.
// The shared read is detached from any one caller, so a caller that goes away only
// abandons its own wait.
func (s *Service) ListThreads(ctx context.Context, page int) (*ThreadPage, error) {
	ch := s.listings.DoChan("page:"+strconv.Itoa(page), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), listTimeout)
		defer cancel()
		return s.listThreads(shared, page)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ThreadPage), nil
	}
}

func (s *Service) listThreads(ctx context.Context, page int) (*ThreadPage, error) {
	threads, w, err := s.store.ListPage(ctx, page, s.opts.ThreadsPerPage)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	previews, err := s.store.PreviewReplies(ctx, ids, s.opts.PreviewReplies)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		threads[i].Preview = previews[threads[i].ID]
		threads[i] = moderation.RedactThread(threads[i])
	}
	locked, err := s.store.BoardLocked(ctx)
	if err != nil {
		return nil, err
	}
	return &ThreadPage{Threads: threads, Window: w, BoardLocked: locked}, nil
}

// GetThread returns a thread with one page of replies in chronological order. Deleted
// threads are not found for public callers; moderators see them redacted.
func (s *Service) GetThread(ctx context.Context, caller models.CallerContext, id int64, replyPage int) (*ThreadView, error) {
	t, err := s.visibleThread(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountReplies(ctx, id, caller.IsModerator)
	if err != nil {
		return nil, err
	}
	w := ordering.Paginate(total, s.opts.RepliesPerPage, replyPage)
	replies, err := s.store.ListReplies(ctx, id, models.ReplyQuery{
		Order:          models.Chronological,
		Limit:          w.Limit,
		Offset:         w.Offset,
		IncludeDeleted: caller.IsModerator,
	})
	if err != nil {
		return nil, err
	}
	return &ThreadView{
		Thread:  moderation.RedactThread(*t),
		Replies: moderation.FilterReplies(replies, *t, caller),
		Window:  w,
	}, nil
}

// ListReplies lists a thread's replies through the same visibility rule as GetThread.
func (s *Service) ListReplies(ctx context.Context, caller models.CallerContext, threadID int64, q models.ReplyQuery) ([]models.Reply, error) {
	t, err := s.visibleThread(ctx, caller, threadID)
	if err != nil {
		return nil, err
	}
	q.IncludeDeleted = q.IncludeDeleted && caller.IsModerator
	replies, err := s.store.ListReplies(ctx, threadID, q)
	if err != nil {
		return nil, err
	}
	return moderation.FilterReplies(replies, *t, caller), nil
}

func (s *Service) visibleThread(ctx context.Context, caller models.CallerContext, id int64) (*models.Thread, error) {
	t, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if !moderation.ThreadVisible(*t) && !caller.IsModerator {
		return nil, apperrors.ThreadNotFound(id)
	}
	return t, nil
}

// Moderate applies a moderation action to a thread or reply. body is only read by
// the edit actions. Media detached by a delete is released after the commit.
func (s *Service) Moderate(ctx context.Context, caller models.CallerContext, action moderation.Action, targetID int64, body string) (*ModerationResult, error) {
	if err := moderation.RequireModerator(caller); err != nil {
		return nil, err
	}
	modHash := caller.Fingerprint
	res := &ModerationResult{Action: action, TargetID: targetID}

	switch action {
	case moderation.ActionLock:
		v, err := s.store.ToggleLocked(ctx, targetID, modHash)
		if err != nil {
			return nil, err
		}
		res.Value = &v
	case moderation.ActionSticky:
		v, err := s.store.ToggleSticky(ctx, targetID, modHash)
		if err != nil {
			return nil, err
		}
		res.Value = &v
	case moderation.ActionDelete:
		ref, err := s.store.SoftDeleteThread(ctx, targetID, modHash)
		if err != nil {
			return nil, err
		}
		s.release(ctx, ref)
	case moderation.ActionHardDelete:
		ref, err := s.store.HardDeleteThread(ctx, targetID, modHash)
		if err != nil {
			return nil, err
		}
		s.release(ctx, ref)
	case moderation.ActionRecount:
		n, err := s.store.Recount(ctx, targetID, modHash)
		if err != nil {
			return nil, err
		}
		res.ReplyCount = &n
	case moderation.ActionDeleteReply:
		if err := s.store.SoftDeleteReply(ctx, targetID, modHash); err != nil {
			return nil, err
		}
	case moderation.ActionEditThread, moderation.ActionEditReply:
		in := EditInput{Body: body}
		in.normalize()
		if err := check(&in); err != nil {
			return nil, err
		}
		edit := s.store.EditThreadBody
		if action == moderation.ActionEditReply {
			edit = s.store.EditReplyBody
		}
		if err := edit(ctx, targetID, in.Body, modHash); err != nil {
			return nil, err
		}
	case moderation.ActionBoardLock:
		v, err := s.store.ToggleBoardLock(ctx, modHash)
		if err != nil {
			return nil, err
		}
		res.TargetID = 0
		res.Value = &v
	default:
		return nil, apperrors.Validation("action", "unknown moderation action %q", action)
	}

	s.metrics.ModerationActions.WithLabelValues(string(action)).Inc()
	s.logger.Info("Moderation action applied", "action", action, "target", moderation.Describe(action, targetID), "moderator", modHash)
	return res, nil
}

func (s *Service) BoardLocked(ctx context.Context) (bool, error) {
	return s.store.BoardLocked(ctx)
}

// ModLog returns the newest moderator actions.
func (s *Service) ModLog(ctx context.Context, caller models.CallerContext, limit int) ([]ModLogEntry, error) {
	if err := moderation.RequireModerator(caller); err != nil {
		return nil, err
	}
	actions, err := s.store.ListModActions(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]ModLogEntry, 0, len(actions))
	for _, a := range actions {
		entries = append(entries, ModLogEntry{
			ModAction: a,
			TargetID:  nullInt(a.TargetID),
			Details:   a.Details.String,
		})
	}
	return entries, nil
}

// ModLogEntry is a ModAction with its nullable columns flattened for JSON.
type ModLogEntry struct {
	models.ModAction
	TargetID *int64 `json:"target_id,omitempty"`
	Details  string `json:"details,omitempty"`
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

// Backup writes an online snapshot of the store and returns its path.
func (s *Service) Backup(ctx context.Context, caller models.CallerContext) (string, error) {
	if err := moderation.RequireModerator(caller); err != nil {
		return "", err
	}
	path, err := s.store.BackupDatabase(ctx)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	s.logger.Info("Database backup written", "path", path, "moderator", caller.Fingerprint)
	return path, nil
}

// release deletes media after its owning row is gone. Failures leave an orphaned file,
// which is logged and counted but never surfaced.
func (s *Service) release(ctx context.Context, ref *models.MediaRef) {
	if ref == nil {
		return
	}
	if err := s.media.Release(context.WithoutCancel(ctx), ref); err != nil {
		s.metrics.MediaReleaseFailures.Inc()
		s.logger.Warn("Failed to release media", "path", ref.Path, "error", err)
	}
}
