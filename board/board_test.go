package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgboard/apperrors"
	"msgboard/config"
	"msgboard/database"
	"msgboard/media"
	"msgboard/models"
	"msgboard/moderation"
)

var (
	public    = models.CallerContext{Fingerprint: "visitor"}
	moderator = models.CallerContext{IsModerator: true, Fingerprint: "mod"}
)

type testBoard struct {
	svc       *Service
	db        *database.DatabaseService
	uploadDir string
	metrics   *Metrics
}

func defaultOptions() Options {
	return Options{ThreadsPerPage: 10, RepliesPerPage: 10, PreviewReplies: 5}
}

func setupBoard(t *testing.T, opts Options) *testBoard {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	db, err := database.InitDB(database.DSN(filepath.Join(dir, "board.db"), 5*time.Second), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.BackupDir = filepath.Join(dir, "backups")

	uploadDir := filepath.Join(dir, "uploads")
	storage, err := media.NewLocalStorage(uploadDir)
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewService(db, media.NewGate(storage, 1<<20, logger), opts, metrics, logger)
	return &testBoard{svc: svc, db: db, uploadDir: uploadDir, metrics: metrics}
}

func pngUpload(t *testing.T) *Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 30))))
	return &Upload{Data: buf.Bytes(), MimeType: "image/png", Size: int64(buf.Len())}
}

func uploads(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateThreadValidation(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()

	testCases := []struct {
		name  string
		in    ThreadInput
		field string
	}{
		{"blank title", ThreadInput{Title: "   ", Body: "body"}, "title"},
		{"blank body", ThreadInput{Title: "title", Body: "\n\t "}, "body"},
		{"title too long", ThreadInput{Title: strings.Repeat("x", config.MaxTitleLen+1), Body: "body"}, "title"},
		{"body too long", ThreadInput{Title: "t", Body: strings.Repeat("b", config.MaxBodyLen+1)}, "body"},
		{"name too long", ThreadInput{Title: "t", Body: "b", AuthorName: strings.Repeat("n", config.MaxNameLen+1)}, "name"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tb.svc.CreateThread(ctx, public, tc.in, nil)
			var verr *apperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	_, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: strings.Repeat("x", config.MaxTitleLen+1), Body: "b"}, nil)
	assert.ErrorContains(t, err, fmt.Sprintf("at most %d characters", config.MaxTitleLen))

	// Bounds count characters, not bytes.
	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: strings.Repeat("é", config.MaxTitleLen), Body: "  trimmed  "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "trimmed", th.Body)
	assert.Equal(t, "Anonymous", th.AuthorName)
	assert.Equal(t, "visitor", th.PosterFingerprint)
}

// TestThreadLifecycle creates T1 with replies R1 and R2, deletes R1, then deletes T1.
func TestThreadLifecycle(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()

	t1, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "T1", Body: "opening"}, pngUpload(t))
	require.NoError(t, err)
	require.NotNil(t, t1.Media)
	require.Len(t, uploads(t, tb.uploadDir), 2, "image and thumbnail")

	r1, err := tb.svc.CreateReply(ctx, public, t1.ID, ReplyInput{Body: "R1"})
	require.NoError(t, err)
	_, err = tb.svc.CreateReply(ctx, public, t1.ID, ReplyInput{Body: "R2", AuthorName: "someone"})
	require.NoError(t, err)

	page, err := tb.svc.ListThreads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, 2, page.Threads[0].ReplyCount)
	assert.Len(t, page.Threads[0].Preview, 2)

	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionDeleteReply, r1.ID, "")
	require.NoError(t, err)

	view, err := tb.svc.GetThread(ctx, public, t1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Thread.ReplyCount)
	require.Len(t, view.Replies, 1)
	assert.Equal(t, "R2", view.Replies[0].Body)

	modView, err := tb.svc.GetThread(ctx, moderator, t1.ID, 1)
	require.NoError(t, err)
	require.Len(t, modView.Replies, 2)
	assert.Equal(t, moderation.Redacted, modView.Replies[0].Body)

	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionDelete, t1.ID, "")
	require.NoError(t, err)
	assert.Empty(t, uploads(t, tb.uploadDir), "media released after delete")

	_, err = tb.svc.GetThread(ctx, public, t1.ID, 1)
	assert.True(t, apperrors.Is[*apperrors.NotFoundError](err))

	modView, err = tb.svc.GetThread(ctx, moderator, t1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, moderation.Redacted, modView.Thread.Title)
	assert.Nil(t, modView.Thread.Media)
	assert.Zero(t, modView.Thread.ReplyCount)
	for _, r := range modView.Replies {
		assert.Equal(t, moderation.Redacted, r.Body)
	}

	page, err = tb.svc.ListThreads(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Threads)

	_, err = tb.svc.CreateReply(ctx, public, t1.ID, ReplyInput{Body: "too late"})
	assert.True(t, apperrors.Is[*apperrors.NotFoundError](err))
	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionLock, t1.ID, "")
	assert.True(t, apperrors.Is[*apperrors.NotFoundError](err))

	res, err := tb.svc.Moderate(ctx, moderator, moderation.ActionRecount, t1.ID, "")
	require.NoError(t, err)
	assert.Zero(t, *res.ReplyCount)
}

func TestLockGating(t *testing.T) {
	ctx := context.Background()
	for _, bypass := range []bool{false, true} {
		opts := defaultOptions()
		opts.Policy = moderation.Policy{LockBypassForModerators: bypass}
		tb := setupBoard(t, opts)

		th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "lock me", Body: "b"}, nil)
		require.NoError(t, err)
		res, err := tb.svc.Moderate(ctx, moderator, moderation.ActionLock, th.ID, "")
		require.NoError(t, err)
		require.True(t, *res.Value)

		_, err = tb.svc.CreateReply(ctx, public, th.ID, ReplyInput{Body: "hi"})
		assert.True(t, apperrors.Is[*apperrors.LockedError](err))

		_, err = tb.svc.CreateReply(ctx, moderator, th.ID, ReplyInput{Body: "mod hi"})
		if bypass {
			assert.NoError(t, err)
		} else {
			assert.True(t, apperrors.Is[*apperrors.LockedError](err))
		}

		res, err = tb.svc.Moderate(ctx, moderator, moderation.ActionLock, th.ID, "")
		require.NoError(t, err)
		assert.False(t, *res.Value)
		_, err = tb.svc.CreateReply(ctx, public, th.ID, ReplyInput{Body: "open again"})
		assert.NoError(t, err)
	}
}

func TestBoardLock(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()
	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "before", Body: "b"}, nil)
	require.NoError(t, err)

	res, err := tb.svc.Moderate(ctx, moderator, moderation.ActionBoardLock, 0, "")
	require.NoError(t, err)
	require.True(t, *res.Value)

	_, err = tb.svc.CreateThread(ctx, public, ThreadInput{Title: "blocked", Body: "b"}, pngUpload(t))
	assert.True(t, apperrors.Is[*apperrors.LockedError](err))
	assert.Empty(t, uploads(t, tb.uploadDir), "no media stored while locked")
	_, err = tb.svc.CreateReply(ctx, public, th.ID, ReplyInput{Body: "blocked"})
	assert.True(t, apperrors.Is[*apperrors.LockedError](err))

	_, err = tb.svc.CreateThread(ctx, moderator, ThreadInput{Title: "announcement", Body: "b"}, nil)
	assert.NoError(t, err)

	page, err := tb.svc.ListThreads(ctx, 1)
	require.NoError(t, err)
	assert.True(t, page.BoardLocked)
}

// stallingStore holds the board-lock read until released or its context ends.
type stallingStore struct {
	*database.DatabaseService
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) BoardLocked(ctx context.Context) (bool, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return s.DatabaseService.BoardLocked(ctx)
}

func TestListThreadsSurvivesCancelledCaller(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	_, err := tb.svc.CreateThread(context.Background(), public, ThreadInput{Title: "t", Body: "b"}, nil)
	require.NoError(t, err)
	store := &stallingStore{DatabaseService: tb.db, entered: make(chan struct{}), release: make(chan struct{})}
	tb.svc.store = store

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := tb.svc.ListThreads(first, 1)
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		page *ThreadPage
		err  error
	}
	second := make(chan result, 1)
	go func() {
		page, err := tb.svc.ListThreads(context.Background(), 1)
		second <- result{page, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(store.release)

	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.page.Threads, 1)
}

type failingInsertStore struct {
	*database.DatabaseService
}

func (failingInsertStore) CreateThread(context.Context, models.NewThread, func(bool) error) (int64, error) {
	return 0, errors.New("disk full")
}

func TestCreateThreadReleasesMediaOnInsertFailure(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	tb.svc.store = failingInsertStore{tb.db}

	_, err := tb.svc.CreateThread(context.Background(), public, ThreadInput{Title: "t", Body: "b"}, pngUpload(t))
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, uploads(t, tb.uploadDir))
}

type brokenGate struct{}

func (brokenGate) Store(context.Context, []byte, string, int64) (*models.MediaRef, error) {
	return &models.MediaRef{Path: "/uploads/ghost.png", MimeType: "image/png", Size: 1}, nil
}

func (brokenGate) Release(context.Context, *models.MediaRef) error {
	return errors.New("permission denied")
}

func TestMediaReleaseFailureIsIgnored(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	tb.svc.media = brokenGate{}
	ctx := context.Background()

	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "t", Body: "b"}, &Upload{Data: []byte{1}, MimeType: "image/png", Size: 1})
	require.NoError(t, err)

	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionDelete, th.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(tb.metrics.MediaReleaseFailures))

	got, err := tb.db.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted, "delete stays committed")
}

func TestModerationRequiresModerator(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()
	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "t", Body: "b"}, nil)
	require.NoError(t, err)

	_, err = tb.svc.Moderate(ctx, public, moderation.ActionDelete, th.ID, "")
	assert.True(t, apperrors.Is[*apperrors.ForbiddenError](err))
	_, err = tb.svc.ModLog(ctx, public, 10)
	assert.True(t, apperrors.Is[*apperrors.ForbiddenError](err))
	_, err = tb.svc.Backup(ctx, public)
	assert.True(t, apperrors.Is[*apperrors.ForbiddenError](err))

	got, err := tb.db.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestModeratorEdits(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()
	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "t", Body: "original"}, nil)
	require.NoError(t, err)
	r, err := tb.svc.CreateReply(ctx, public, th.ID, ReplyInput{Body: "reply"})
	require.NoError(t, err)
	before, err := tb.db.GetThread(ctx, th.ID)
	require.NoError(t, err)

	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionEditThread, th.ID, "   ")
	assert.True(t, apperrors.Is[*apperrors.ValidationError](err))

	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionEditThread, th.ID, "cleaned up")
	require.NoError(t, err)
	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionEditReply, r.ID, "also cleaned")
	require.NoError(t, err)

	view, err := tb.svc.GetThread(ctx, public, th.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "cleaned up", view.Thread.Body)
	assert.Equal(t, before.LastActivityAt, view.Thread.LastActivityAt, "edits never bump")
	assert.Equal(t, "also cleaned", view.Replies[0].Body)
}

func TestListPagination(t *testing.T) {
	opts := defaultOptions()
	opts.ThreadsPerPage = 2
	opts.RepliesPerPage = 3
	tb := setupBoard(t, opts)
	ctx := context.Background()

	var last *models.Thread
	for i := 0; i < 5; i++ {
		th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "t", Body: "b"}, nil)
		require.NoError(t, err)
		last = th
	}
	page, err := tb.svc.ListThreads(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Threads, 1)

	for i := 0; i < 7; i++ {
		_, err := tb.svc.CreateReply(ctx, public, last.ID, ReplyInput{Body: "r"})
		require.NoError(t, err)
	}
	view, err := tb.svc.GetThread(ctx, public, last.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Page)
	assert.Equal(t, 3, view.TotalPages)
	assert.Len(t, view.Replies, 3)

	view, err = tb.svc.GetThread(ctx, public, last.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Page)
	assert.Len(t, view.Replies, 1)

	newest, err := tb.svc.ListReplies(ctx, public, last.ID, models.ReplyQuery{Order: models.NewestFirst, Limit: 2, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, newest, 2)
	assert.Greater(t, newest[0].ID, newest[1].ID)
}

func TestModLogBackupAndMetrics(t *testing.T) {
	tb := setupBoard(t, defaultOptions())
	ctx := context.Background()
	th, err := tb.svc.CreateThread(ctx, public, ThreadInput{Title: "t", Body: "b"}, nil)
	require.NoError(t, err)
	_, err = tb.svc.CreateReply(ctx, public, th.ID, ReplyInput{Body: "r"})
	require.NoError(t, err)
	_, err = tb.svc.Moderate(ctx, moderator, moderation.ActionSticky, th.ID, "")
	require.NoError(t, err)

	entries, err := tb.svc.ModLog(ctx, moderator, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "toggle_sticky", entries[0].Action)
	require.NotNil(t, entries[0].TargetID)
	assert.Equal(t, th.ID, *entries[0].TargetID)

	path, err := tb.svc.Backup(ctx, moderator)
	require.NoError(t, err)
	assert.FileExists(t, path)

	assert.Equal(t, 1.0, testutil.ToFloat64(tb.metrics.ThreadsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(tb.metrics.RepliesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(tb.metrics.ModerationActions.WithLabelValues("sticky")))
}
