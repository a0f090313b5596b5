// Package ordering computes the board's thread order and the pagination windows
// over it. It holds no state; the store queries with ThreadOrderSQL so SQL and
// in-memory ordering agree.
package ordering

import (
	"sort"

	"msgboard/models"
)

// ThreadOrderSQL is the ORDER BY clause matching Less.
const ThreadOrderSQL = "sticky DESC, last_activity_at DESC, id DESC"

// Less reports whether a sorts before b: pinned first, then most recently
// bumped, then newest id.
func Less(a, b models.Thread) bool {
	if a.Sticky != b.Sticky {
		return a.Sticky
	}
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	return a.ID > b.ID
}

// Sort orders threads in place.
func Sort(threads []models.Thread) {
	sort.SliceStable(threads, func(i, j int) bool { return Less(threads[i], threads[j]) })
}

// Window is a clamped page over an ordered set.
type Window struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	Offset     int `json:"-"`
	Limit      int `json:"-"`
}

// TotalPages is ceil(total/pageSize) with a minimum of one page.
func TotalPages(total, pageSize int) int {
	if pageSize < 1 {
		pageSize = 1
	}
	if total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// Paginate clamps requested into [1, TotalPages] and returns the window for it.
// Out-of-range pages are never an error.
func Paginate(total, pageSize, requested int) Window {
	if pageSize < 1 {
		pageSize = 1
	}
	pages := TotalPages(total, pageSize)
	page := requested
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}
	return Window{
		Page:       page,
		TotalPages: pages,
		Offset:     (page - 1) * pageSize,
		Limit:      pageSize,
	}
}
