// Package model holds the records shared by the store adapters and the
// library service.
package model

import (
	"fmt"
	"strings"
	"time"
)

// State is the reading state of a library entry.
type State string

const (
	Planned    State = "PLANNED"
	InProgress State = "IN_PROGRESS"
	Completed  State = "COMPLETED"
	Archived   State = "ARCHIVED"
)

// States lists every state in display order.
func States() []State {
	return []State{Planned, InProgress, Completed, Archived}
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case Planned, InProgress, Completed, Archived:
		return true
	}
	return false
}

// ParseState accepts a state name in any case.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// Book is a catalog entry. ISBN is unique across the catalog.
type Book struct {
	ID        int64     `json:"id"`
	ISBN      string    `json:"isbn"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Publisher string    `json:"publisher,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Association places a book in a user's library. There is at most one per
// (UserID, BookID). TotalPages is nil while unknown.
type Association struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	BookID      int64     `json:"bookId"`
	State       State     `json:"state"`
	CurrentPage int       `json:"currentPage"`
	TotalPages  *int      `json:"totalPages,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a Association) Clone() Association {
	if a.TotalPages != nil {
		n := *a.TotalPages
		a.TotalPages = &n
	}
	return a
}

// Entry is an association joined with its book.
type Entry struct {
	Association Association
	Book        Book
}

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}
