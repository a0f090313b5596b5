// Package moderation defines the thread moderation flags, the actions that flip them,
// the write gates, and the visibility predicate every read path uses.
//
// Flags are independent booleans. Deleted is terminal: there is no undelete, and a
// deleted thread is treated as absent by every gate and redacted by every read.
package moderation

import (
	"fmt"

	"msgboard/apperrors"
	"msgboard/models"
)

// Redacted replaces the content of anything deleted.
const Redacted = "[deleted]"

type Action string

const (
	ActionLock        Action = "lock"
	ActionSticky      Action = "sticky"
	ActionDelete      Action = "delete"
	ActionHardDelete  Action = "hard-delete"
	ActionRecount     Action = "recount"
	ActionDeleteReply Action = "delete-reply"
	ActionEditThread  Action = "edit-thread"
	ActionEditReply   Action = "edit-reply"
	ActionBoardLock   Action = "board-lock"
)

var knownActions = map[Action]bool{
	ActionLock: true, ActionSticky: true, ActionDelete: true, ActionHardDelete: true,
	ActionRecount: true, ActionDeleteReply: true, ActionEditThread: true,
	ActionEditReply: true, ActionBoardLock: true,
}

func ParseAction(name string) (Action, error) {
	a := Action(name)
	if !knownActions[a] {
		return "", apperrors.Validation("action", "unknown moderation action %q", name)
	}
	return a, nil
}

// TargetsReply reports whether the action's id refers to a reply rather than a thread.
func (a Action) TargetsReply() bool {
	return a == ActionDeleteReply || a == ActionEditReply
}

// LogName is the name recorded in the moderator action log.
func (a Action) LogName() string {
	switch a {
	case ActionLock:
		return "toggle_lock"
	case ActionSticky:
		return "toggle_sticky"
	case ActionDelete:
		return "delete_thread"
	case ActionHardDelete:
		return "hard_delete_thread"
	case ActionDeleteReply:
		return "delete_reply"
	case ActionEditThread:
		return "edit_thread"
	case ActionEditReply:
		return "edit_reply"
	case ActionBoardLock:
		return "toggle_board_lock"
	}
	return string(a)
}

// Policy holds the configurable parts of the gate.
type Policy struct {
	// LockBypassForModerators lets moderators reply to locked threads.
	LockBypassForModerators bool
}

func RequireModerator(caller models.CallerContext) error {
	if !caller.IsModerator {
		return apperrors.Forbidden("moderator privileges required")
	}
	return nil
}

// CheckThreadWrite gates any write to a thread or its replies.
func (p Policy) CheckThreadWrite(t *models.Thread) error {
	if t == nil || t.Deleted {
		var id int64
		if t != nil {
			id = t.ID
		}
		return apperrors.ThreadNotFound(id)
	}
	return nil
}

// CheckReply gates reply creation.
func (p Policy) CheckReply(t *models.Thread, caller models.CallerContext, boardLocked bool) error {
	if err := p.CheckThreadWrite(t); err != nil {
		return err
	}
	if boardLocked && !caller.IsModerator {
		return &apperrors.LockedError{}
	}
	if t.Locked && !(caller.IsModerator && p.LockBypassForModerators) {
		return &apperrors.LockedError{ThreadID: t.ID}
	}
	return nil
}

// CheckNewThread gates thread creation against the board-wide posting lock.
func (p Policy) CheckNewThread(caller models.CallerContext, boardLocked bool) error {
	if boardLocked && !caller.IsModerator {
		return &apperrors.LockedError{}
	}
	return nil
}

// ThreadVisible reports whether a thread's content may be shown.
func ThreadVisible(t models.Thread) bool {
	return !t.Deleted
}

// ReplyVisible reports whether a reply's content may be shown. A deleted parent
// hides every reply regardless of the reply's own flag.
func ReplyVisible(r models.Reply, parent models.Thread) bool {
	return ThreadVisible(parent) && !r.Deleted
}

// RedactThread returns t with content removed if it is not visible.
func RedactThread(t models.Thread) models.Thread {
	if ThreadVisible(t) {
		return t
	}
	t.Title = Redacted
	t.Body = Redacted
	t.AuthorName = Redacted
	t.Media = nil
	t.ReplyCount = 0
	for i := range t.Preview {
		t.Preview[i] = RedactReply(t.Preview[i], t)
	}
	return t
}

// RedactReply returns r with content removed if it is not visible under parent.
func RedactReply(r models.Reply, parent models.Thread) models.Reply {
	if ReplyVisible(r, parent) {
		return r
	}
	r.Body = Redacted
	r.AuthorName = Redacted
	r.Deleted = true
	return r
}

// FilterReplies applies the visibility rule for a caller: public callers get only
// visible replies, moderators get every reply with hidden ones redacted.
func FilterReplies(replies []models.Reply, parent models.Thread, caller models.CallerContext) []models.Reply {
	out := make([]models.Reply, 0, len(replies))
	for _, r := range replies {
		if ReplyVisible(r, parent) {
			out = append(out, r)
			continue
		}
		if caller.IsModerator {
			out = append(out, RedactReply(r, parent))
		}
	}
	return out
}

func (a Action) String() string { return string(a) }

// Describe renders a short audit detail for the action log.
func Describe(a Action, targetID int64) string {
	if a == ActionBoardLock {
		return "board"
	}
	kind := "thread"
	if a.TargetsReply() {
		kind = "reply"
	}
	return fmt.Sprintf("%s %d", kind, targetID)
}
