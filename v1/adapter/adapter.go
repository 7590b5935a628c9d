package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/model"
)

// Catalog stores books. ISBN is unique.
type Catalog interface {
	// FindBookByISBN looks a book up by ISBN. The boolean reports whether it
	// exists.
	FindBookByISBN(ctx context.Context, isbn string) (*model.Book, bool, error)
	// CreateBook inserts b and fills its ID and CreatedAt. An ISBN clash
	// yields an error matching errors.ErrAlreadyRegistered.
	CreateBook(ctx context.Context, b *model.Book) error
	// GetBook loads a book by ID.
	GetBook(ctx context.Context, id int64) (*model.Book, bool, error)
}

// Associations stores library entries. (UserID, BookID) is unique and every
// row carries a version bumped on each update.
type Associations interface {
	FindAssociation(ctx context.Context, userID, bookID int64) (*model.Association, bool, error)
	GetAssociation(ctx context.Context, id int64) (*model.Association, bool, error)
	// CreateAssociation inserts a and fills ID, Version and timestamps. A
	// (user, book) clash yields errors.ErrAlreadyRegistered.
	CreateAssociation(ctx context.Context, a *model.Association) error
	// UpdateAssociation writes a if the stored version still equals
	// expectedVersion, then bumps a.Version. Otherwise it returns
	// errors.ErrVersionConflict, or errors.ErrNotFound if the row is gone.
	UpdateAssociation(ctx context.Context, a *model.Association, expectedVersion int64) error
	CountByUserAndState(ctx context.Context, userID int64, state model.State) (int, error)
	// ListByUserAndState returns one page of entries, newest first.
	ListByUserAndState(ctx context.Context, userID int64, state model.State, page model.Page) ([]model.Entry, error)
	// ActiveUsers returns users with an association updated since the given
	// time, most recent first, at most limit.
	ActiveUsers(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

// Store is the full persistence surface used by the library service.
type Store interface {
	Catalog
	Associations
}

type userBook struct{ user, book int64 }

// InMemoryStore is a Store backed by maps. It enforces the same unique keys
// and versioning as the SQL store.
type InMemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	nextBook     int64
	nextAssoc    int64
	books        map[int64]model.Book
	booksByISBN  map[string]int64
	assocs       map[int64]model.Association
	assocsByPair map[userBook]int64
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:          time.Now,
		books:        make(map[int64]model.Book),
		booksByISBN:  make(map[string]int64),
		assocs:       make(map[int64]model.Association),
		assocsByPair: make(map[userBook]int64),
	}
}

// FindBookByISBN implements Catalog.
func (s *InMemoryStore) FindBookByISBN(ctx context.Context, isbn string) (*model.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.booksByISBN[isbn]
	if !ok {
		return nil, false, nil
	}
	b := s.books[id]
	return &b, true, nil
}

// CreateBook implements Catalog.
func (s *InMemoryStore) CreateBook(ctx context.Context, b *model.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.booksByISBN[b.ISBN]; ok {
		return fmt.Errorf("isbn %s: %w", b.ISBN, shelferrors.ErrAlreadyRegistered)
	}
	s.nextBook++
	b.ID = s.nextBook
	b.CreatedAt = s.now()
	s.books[b.ID] = *b
	s.booksByISBN[b.ISBN] = b.ID
	return nil
}

// GetBook implements Catalog.
func (s *InMemoryStore) GetBook(ctx context.Context, id int64) (*model.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return nil, false, nil
	}
	return &b, true, nil
}

// FindAssociation implements Associations.
func (s *InMemoryStore) FindAssociation(ctx context.Context, userID, bookID int64) (*model.Association, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.assocsByPair[userBook{userID, bookID}]
	if !ok {
		return nil, false, nil
	}
	a := s.assocs[id].Clone()
	return &a, true, nil
}

// GetAssociation implements Associations.
func (s *InMemoryStore) GetAssociation(ctx context.Context, id int64) (*model.Association, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assocs[id]
	if !ok {
		return nil, false, nil
	}
	a = a.Clone()
	return &a, true, nil
}

// CreateAssociation implements Associations.
func (s *InMemoryStore) CreateAssociation(ctx context.Context, a *model.Association) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := userBook{a.UserID, a.BookID}
	if _, ok := s.assocsByPair[pair]; ok {
		return fmt.Errorf("user %d book %d: %w", a.UserID, a.BookID, shelferrors.ErrAlreadyRegistered)
	}
	s.nextAssoc++
	now := s.now()
	a.ID = s.nextAssoc
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	s.assocs[a.ID] = a.Clone()
	s.assocsByPair[pair] = a.ID
	return nil
}

// UpdateAssociation implements Associations.
func (s *InMemoryStore) UpdateAssociation(ctx context.Context, a *model.Association, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.assocs[a.ID]
	if !ok {
		return fmt.Errorf("association %d: %w", a.ID, shelferrors.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("association %d at version %d, expected %d: %w", a.ID, cur.Version, expectedVersion, shelferrors.ErrVersionConflict)
	}
	cur.State = a.State
	cur.CurrentPage = a.CurrentPage
	cur.TotalPages = a.TotalPages
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = s.now()
	s.assocs[a.ID] = cur.Clone()
	*a = cur
	return nil
}

// CountByUserAndState implements Associations.
func (s *InMemoryStore) CountByUserAndState(ctx context.Context, userID int64, state model.State) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.assocs {
		if a.UserID == userID && a.State == state {
			n++
		}
	}
	return n, nil
}

// ListByUserAndState implements Associations.
func (s *InMemoryStore) ListByUserAndState(ctx context.Context, userID int64, state model.State, page model.Page) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []model.Association
	for _, a := range s.assocs {
		if a.UserID == userID && a.State == state {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	off := page.Offset()
	if off >= len(matched) {
		return []model.Entry{}, nil
	}
	end := len(matched)
	if page.Size > 0 && off+page.Size < end {
		end = off + page.Size
	}
	out := make([]model.Entry, 0, end-off)
	for _, a := range matched[off:end] {
		out = append(out, model.Entry{Association: a.Clone(), Book: s.books[a.BookID]})
	}
	return out, nil
}

// ActiveUsers implements Associations.
func (s *InMemoryStore) ActiveUsers(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	latest := make(map[int64]time.Time)
	for _, a := range s.assocs {
		if a.UpdatedAt.Before(since) {
			continue
		}
		if a.UpdatedAt.After(latest[a.UserID]) {
			latest[a.UserID] = a.UpdatedAt
		}
	}
	s.mu.RUnlock()
	users := make([]int64, 0, len(latest))
	for u := range latest {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return latest[users[i]].After(latest[users[j]])
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// CountAssociations returns the number of associations for a user and book.
// Used by tests and the race tool to check the uniqueness invariant.
func (s *InMemoryStore) CountAssociations(userID, bookID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.assocs {
		if a.UserID == userID && a.BookID == bookID {
			n++
		}
	}
	return n
}
