// msgboard/handlers/moderation.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"msgboard/apperrors"
	"msgboard/moderation"
)

const (
	defaultModLogLimit = 50
	maxModLogLimit     = 500
)

// HandleModeration applies the action named in the URL to the thread or reply id that follows it.
func HandleModeration(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleModeration")
	action, err := moderation.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	field := "thread_id"
	if action.TargetsReply() {
		field = "reply_id"
	}
	id, err := pathID(r, field)
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	res, err := app.Board().Moderate(r.Context(), callerFrom(r), action, id, r.FormValue("body"))
	if err != nil {
		logger.Warn("Moderation action failed", "action", action, "target_id", id, "error", err)
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, res, app)
}

// HandleBoardLock toggles the board-wide lock on new threads and replies.
func HandleBoardLock(w http.ResponseWriter, r *http.Request, app App) {
	res, err := app.Board().Moderate(r.Context(), callerFrom(r), moderation.ActionBoardLock, 0, "")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, res, app)
}

// HandleModLog lists the newest moderator actions.
func HandleModLog(w http.ResponseWriter, r *http.Request, app App) {
	limit := queryInt(r, "limit")
	if limit < 1 {
		limit = defaultModLogLimit
	}
	if limit > maxModLogLimit {
		limit = maxModLogLimit
	}
	entries, err := app.Board().ModLog(r.Context(), callerFrom(r), limit)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": entries}, app)
}

// HandleDatabaseBackup writes an online snapshot of the database.
func HandleDatabaseBackup(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDatabaseBackup")
	backupPath, err := app.Board().Backup(r.Context(), callerFrom(r))
	if err != nil {
		logger.Error("Failed to create database backup", "error", err)
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"path": backupPath}, app)
}

// HandleLogin checks the moderator password and, on success, replaces the caller's
// session with a moderator session under a fresh id and token.
func HandleLogin(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleLogin")
	hash := app.Config().ModPasswordHash
	if hash == "" {
		respondError(w, r, apperrors.Forbidden("moderator login is disabled"), app)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(r.FormValue("password"))); err != nil {
		logger.Warn("Failed moderator login", "fingerprint", callerFrom(r).Fingerprint)
		respondError(w, r, apperrors.Forbidden("invalid password"), app)
		return
	}

	old := currentSession(r)
	s, err := issueSession(w, r, app, true)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	if old.ID != "" {
		if err := app.Sessions().Delete(r.Context(), old.ID); err != nil {
			logger.Warn("Failed to delete previous session", "error", err)
		}
	}
	logger.Info("Moderator logged in", "fingerprint", callerFrom(r).Fingerprint)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"csrf_token":   s.CSRFToken,
		"is_moderator": true,
	}, app)
}

// HandleLogout drops the caller's session and hands out a fresh anonymous one.
func HandleLogout(w http.ResponseWriter, r *http.Request, app App) {
	if old := currentSession(r); old.ID != "" {
		if err := app.Sessions().Delete(r.Context(), old.ID); err != nil {
			respondError(w, r, &apperrors.StoreUnavailableError{Err: err}, app)
			return
		}
	}
	s, err := issueSession(w, r, app, false)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"csrf_token":   s.CSRFToken,
		"is_moderator": false,
	}, app)
}
