// msgboard/handlers/actions.go
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"msgboard/apperrors"
	"msgboard/board"
)

// multipartMemory is how much of a multipart body is held in memory before spilling to disk.
const multipartMemory = 8 << 20

// parseForm accepts both multipart and urlencoded submissions.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &apperrors.CapacityError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
	}
	if err != nil {
		return apperrors.Validation("", "form parsing error: %v", err)
	}
	return nil
}

// readUpload returns the attached media file, or nil when none was sent.
func readUpload(r *http.Request) (*board.Upload, error) {
	file, header, err := r.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Validation("media", "could not read upload: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperrors.Validation("media", "could not read upload: %v", err)
	}
	return &board.Upload{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
	}, nil
}

// HandleNewThread creates a thread from a form submission with an optional media file.
func HandleNewThread(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleNewThread")
	if err := parseForm(r); err != nil {
		logger.Warn("Form parsing error", "error", err)
		respondError(w, r, err, app)
		return
	}
	upload, err := readUpload(r)
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	thread, err := app.Board().CreateThread(r.Context(), callerFrom(r), board.ThreadInput{
		Title:      r.FormValue("title"),
		Body:       r.FormValue("body"),
		AuthorName: r.FormValue("name"),
	}, upload)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, thread, app)
}

// HandleReply appends a reply to the thread in the URL.
func HandleReply(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := pathID(r, "thread_id")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	if err := parseForm(r); err != nil {
		respondError(w, r, err, app)
		return
	}
	reply, err := app.Board().CreateReply(r.Context(), callerFrom(r), threadID, board.ReplyInput{
		Body:       r.FormValue("body"),
		AuthorName: r.FormValue("name"),
	})
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, reply, app)
}
