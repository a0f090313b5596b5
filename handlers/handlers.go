// msgboard/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"msgboard/apperrors"
	"msgboard/board"
	"msgboard/config"
	"msgboard/database"
	"msgboard/models"
	"msgboard/session"
	"msgboard/utils"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Board() *board.Service
	Sessions() session.Store
	Config() *config.Config
	Logger() *slog.Logger
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

// respondError maps err onto its status code. Only server-side failures are logged
// at error level.
func respondError(w http.ResponseWriter, r *http.Request, err error, app App) {
	status := apperrors.StatusCode(err)
	logger := app.Logger().With("path", r.URL.Path, "status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Debug("Request rejected", "error", err)
	}
	respondJSON(w, status, map[string]string{"error": apperrors.PublicMessage(err)}, app)
}

// MakeHandler adapts a handler taking the App into an http.HandlerFunc.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

// callerFrom builds the caller context the board service authorizes against.
func callerFrom(r *http.Request) models.CallerContext {
	return models.CallerContext{
		IsModerator: currentSession(r).IsModerator,
		Fingerprint: utils.Fingerprint(r),
	}
}

func pathID(r *http.Request, field string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperrors.Validation(field, "must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// Page represents a single link in the pagination control.
type Page struct {
	Number     int  `json:"number,omitempty"`
	IsCurrent  bool `json:"current,omitempty"`
	IsEllipsis bool `json:"ellipsis,omitempty"`
}

type boardResponse struct {
	*board.ThreadPage
	Pagination []Page `json:"pagination,omitempty"`
}

type threadResponse struct {
	*board.ThreadView
	Pagination []Page `json:"pagination,omitempty"`
}

// HandleHome serves one page of the board index.
func HandleHome(w http.ResponseWriter, r *http.Request, app App) {
	page, err := app.Board().ListThreads(r.Context(), queryInt(r, "page"))
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, boardResponse{
		ThreadPage: page,
		Pagination: generatePagination(page.Page, page.TotalPages),
	}, app)
}

// HandleThread serves a thread with one page of its replies.
func HandleThread(w http.ResponseWriter, r *http.Request, app App) {
	id, err := pathID(r, "thread_id")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	view, err := app.Board().GetThread(r.Context(), callerFrom(r), id, queryInt(r, "rpage"))
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, threadResponse{
		ThreadView: view,
		Pagination: generatePagination(view.Page, view.TotalPages),
	}, app)
}

// maxReplyListLimit caps a single replies listing.
const maxReplyListLimit = 500

// HandleReplies lists a thread's replies, oldest first unless ?order=newest.
func HandleReplies(w http.ResponseWriter, r *http.Request, app App) {
	id, err := pathID(r, "thread_id")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	q := models.ReplyQuery{
		Limit:          min(queryInt(r, "limit"), maxReplyListLimit),
		Offset:         max(queryInt(r, "offset"), 0),
		IncludeDeleted: true,
	}
	if q.Limit < 1 {
		q.Limit = app.Config().RepliesPerPage
	}
	switch r.URL.Query().Get("order") {
	case "", "oldest":
		q.Order = models.Chronological
	case "newest":
		q.Order = models.NewestFirst
	default:
		respondError(w, r, apperrors.Validation("order", "must be oldest or newest"), app)
		return
	}

	replies, err := app.Board().ListReplies(r.Context(), callerFrom(r), id, q)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"replies": replies}, app)
}

// HandleSession reports the caller's anti-forgery token and moderator status.
func HandleSession(w http.ResponseWriter, r *http.Request, app App) {
	s := currentSession(r)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"csrf_token":   s.CSRFToken,
		"is_moderator": s.IsModerator,
	}, app)
}

func HandleHealth(w http.ResponseWriter, r *http.Request, app App) {
	if err := app.DB().Ping(r.Context()); err != nil {
		app.Logger().Warn("Health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": config.AppVersion}, app)
}

// generatePagination creates a slice of Page structs for rendering pagination controls.
func generatePagination(currentPage, totalPages int) []Page {
	if totalPages <= 1 {
		return nil
	}

	const pagesToShow = 2

	var pages []Page

	start := currentPage - pagesToShow
	end := currentPage + pagesToShow

	if start < 1 {
		end += (1 - start)
		start = 1
	}

	if end > totalPages {
		start -= (end - totalPages)
		end = totalPages
	}

	if start < 1 {
		start = 1
	}

	if start > 1 {
		pages = append(pages, Page{Number: 1})
		if start > 2 {
			pages = append(pages, Page{IsEllipsis: true})
		}
	}

	for i := start; i <= end; i++ {
		pages = append(pages, Page{Number: i, IsCurrent: i == currentPage})
	}

	if end < totalPages {
		if end < totalPages-1 {
			pages = append(pages, Page{IsEllipsis: true})
		}
		pages = append(pages, Page{Number: totalPages})
	}

	return pages
}
