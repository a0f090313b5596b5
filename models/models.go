// msgboard/models/models.go
package models

import (
	"database/sql"
	"time"
)

// --- Core Data Models ---

// MediaRef points at an uploaded file owned by exactly one thread.
type MediaRef struct {
	Path      string `json:"path"`
	ThumbPath string `json:"thumb_path,omitempty"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

type Thread struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Body              string     `json:"body"`
	AuthorName        string     `json:"author_name"`
	Media             *MediaRef  `json:"media,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	ReplyCount        int        `json:"reply_count"`
	Sticky            bool       `json:"sticky"`
	Locked            bool       `json:"locked"`
	Deleted           bool       `json:"deleted"`
	PosterFingerprint string     `json:"-"`

	// Preview holds the newest replies shown under the thread on the board listing.
	Preview []Reply `json:"preview,omitempty"`
}

type Reply struct {
	ID                int64      `json:"id"`
	ThreadID          int64      `json:"thread_id"`
	Body              string     `json:"body"`
	AuthorName        string     `json:"author_name"`
	CreatedAt         time.Time  `json:"created_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	Deleted           bool       `json:"deleted"`
	PosterFingerprint string     `json:"-"`
}

// NewThread is a validated thread ready for insertion.
type NewThread struct {
	Title             string
	Body              string
	AuthorName        string
	Media             *MediaRef
	PosterFingerprint string
}

// NewReply is a validated reply ready for insertion.
type NewReply struct {
	ThreadID          int64
	Body              string
	AuthorName        string
	PosterFingerprint string
}

// CallerContext is passed explicitly into every core operation.
type CallerContext struct {
	IsModerator bool
	Fingerprint string
}

type ReplyOrder int

const (
	// Chronological is oldest first, used for the full thread view.
	Chronological ReplyOrder = iota
	// NewestFirst is used for the bounded preview on the board listing.
	NewestFirst
)

type ReplyQuery struct {
	Order          ReplyOrder
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// --- Moderation & System Models ---

type ModAction struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ModeratorHash string         `json:"moderator_hash"`
	Action        string         `json:"action"`
	TargetID      sql.NullInt64  `json:"-"`
	Details       sql.NullString `json:"-"`
}
