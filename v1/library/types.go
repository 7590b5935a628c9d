package library

import (
	"github.com/mirkobrombin/go-shelf/v1/model"
)

type (
	State       = model.State
	Book        = model.Book
	Association = model.Association
	Entry       = model.Entry
)

const (
	Planned    = model.Planned
	InProgress = model.InProgress
	Completed  = model.Completed
	Archived   = model.Archived
)

// AddBookInput is the payload of AddBook.
type AddBookInput struct {
	ISBN       string `json:"isbn" validate:"required,min=10,max=13"`
	Title      string `json:"title" validate:"required,max=255"`
	Author     string `json:"author" validate:"required,max=255"`
	Publisher  string `json:"publisher" validate:"max=255"`
	TotalPages *int   `json:"totalPages" validate:"omitempty,gte=1"`
}

// UpdateProgressInput is the payload of UpdateProgress. Nil fields keep the
// stored value; at least one must be set.
type UpdateProgressInput struct {
	ID          int64  `json:"id" validate:"required,gte=1"`
	State       *State `json:"state" validate:"omitempty,oneof=PLANNED IN_PROGRESS COMPLETED ARCHIVED"`
	TotalPages  *int   `json:"totalPages" validate:"omitempty,gte=1"`
	CurrentPage *int   `json:"currentPage"`
}

func (in UpdateProgressInput) empty() bool {
	return in.State == nil && in.TotalPages == nil && in.CurrentPage == nil
}

// Summary counts a user's entries per state.
type Summary struct {
	Planned    int `json:"planned"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Archived   int `json:"archived"`
}

func (s *Summary) set(state State, n int) {
	switch state {
	case Planned:
		s.Planned = n
	case InProgress:
		s.InProgress = n
	case Completed:
		s.Completed = n
	case Archived:
		s.Archived = n
	}
}

// Item is one row of a library view.
type Item struct {
	ID          int64  `json:"id"`
	BookID      int64  `json:"bookId"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Publisher   string `json:"publisher"`
	CurrentPage int    `json:"currentPage"`
	TotalPages  *int   `json:"totalPages"`
	Progress    int    `json:"progress"`
	State       State  `json:"state"`
}

// Pagination describes where a view sits in the full result.
type Pagination struct {
	Page          int  `json:"currentPage"`
	TotalPages    int  `json:"totalPages"`
	TotalElements int  `json:"totalElements"`
	HasPrevious   bool `json:"hasPrevious"`
	HasNext       bool `json:"hasNext"`
}

func paginate(page, size, total int) Pagination {
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	return Pagination{
		Page:          page,
		TotalPages:    pages,
		TotalElements: total,
		HasPrevious:   page > 1,
		HasNext:       page < pages,
	}
}

// View is one page of a user's library filtered by state, with counts for
// every state.
type View struct {
	Summary    Summary    `json:"summary"`
	Items      []Item     `json:"books"`
	Pagination Pagination `json:"pagination"`
}

// clone copies Items so callers cannot reach into a cached view.
func (v View) clone() View {
	if v.Items != nil {
		items := make([]Item, len(v.Items))
		copy(items, v.Items)
		v.Items = items
	}
	for i := range v.Items {
		if tp := v.Items[i].TotalPages; tp != nil {
			n := *tp
			v.Items[i].TotalPages = &n
		}
	}
	return v
}

// Progress returns floor(current/total*100), or 0 when total is unknown.
func Progress(current int, total *int) int {
	if total == nil || *total <= 0 {
		return 0
	}
	return current * 100 / *total
}

func toItem(e model.Entry) Item {
	a := e.Association.Clone()
	return Item{
		ID:          a.ID,
		BookID:      a.BookID,
		Title:       e.Book.Title,
		Author:      e.Book.Author,
		Publisher:   e.Book.Publisher,
		CurrentPage: a.CurrentPage,
		TotalPages:  a.TotalPages,
		Progress:    Progress(a.CurrentPage, a.TotalPages),
		State:       a.State,
	}
}
