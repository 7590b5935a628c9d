package adapter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-shelf/v1/adapter"
	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/model"
)

func newGormStore(t *testing.T) adapter.Store {
	t.Helper()
	db, err := adapter.OpenGorm("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	s, err := adapter.NewGormStore(db)
	require.NoError(t, err)
	return s
}

func newMemoryStore(t *testing.T) adapter.Store {
	return adapter.NewInMemoryStore()
}

var stores = map[string]func(t *testing.T) adapter.Store{
	"memory": newMemoryStore,
	"gorm":   newGormStore,
}

func intPtr(n int) *int { return &n }

func seedBook(t *testing.T, s adapter.Store, isbn string) *model.Book {
	t.Helper()
	b := &model.Book{ISBN: isbn, Title: "Title " + isbn, Author: "Author"}
	require.NoError(t, s.CreateBook(context.Background(), b))
	return b
}

func TestCatalog(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, ok, err := s.FindBookByISBN(ctx, "9780000000001")
			require.NoError(t, err)
			assert.False(t, ok)

			b := seedBook(t, s, "9780000000001")
			assert.NotZero(t, b.ID)
			assert.False(t, b.CreatedAt.IsZero())

			found, ok, err := s.FindBookByISBN(ctx, "9780000000001")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, b.ID, found.ID)

			got, ok, err := s.GetBook(ctx, b.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Title 9780000000001", got.Title)

			err = s.CreateBook(ctx, &model.Book{ISBN: "9780000000001", Title: "dup", Author: "x"})
			assert.ErrorIs(t, err, shelferrors.ErrAlreadyRegistered)
		})
	}
}

func TestAssociationUniqueness(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			b := seedBook(t, s, "9780000000002")

			a := &model.Association{UserID: 7, BookID: b.ID, State: model.Planned, CurrentPage: 1}
			require.NoError(t, s.CreateAssociation(ctx, a))
			assert.NotZero(t, a.ID)
			assert.Equal(t, int64(1), a.Version)

			dup := &model.Association{UserID: 7, BookID: b.ID, State: model.Planned, CurrentPage: 1}
			assert.ErrorIs(t, s.CreateAssociation(ctx, dup), shelferrors.ErrAlreadyRegistered)

			other := &model.Association{UserID: 8, BookID: b.ID, State: model.Planned, CurrentPage: 1}
			require.NoError(t, s.CreateAssociation(ctx, other), "another user may shelve the same book")

			found, ok, err := s.FindAssociation(ctx, 7, b.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, a.ID, found.ID)
			assert.Nil(t, found.TotalPages)
		})
	}
}

func TestConcurrentCreateAssociationSingleWinner(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			b := seedBook(t, s, "9780000000003")

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, dups := 0, 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.CreateAssociation(ctx, &model.Association{UserID: 1, BookID: b.ID, State: model.Planned, CurrentPage: 1})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case assert.ErrorIs(t, err, shelferrors.ErrAlreadyRegistered):
						dups++
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
			assert.Equal(t, 19, dups)
			n, err := s.CountByUserAndState(ctx, 1, model.Planned)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestUpdateAssociationVersioning(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			b := seedBook(t, s, "9780000000004")
			a := &model.Association{UserID: 1, BookID: b.ID, State: model.Planned, CurrentPage: 1}
			require.NoError(t, s.CreateAssociation(ctx, a))

			first, _, err := s.GetAssociation(ctx, a.ID)
			require.NoError(t, err)
			second, _, err := s.GetAssociation(ctx, a.ID)
			require.NoError(t, err)

			first.CurrentPage = 10
			first.TotalPages = intPtr(200)
			first.State = model.InProgress
			require.NoError(t, s.UpdateAssociation(ctx, first, first.Version))
			assert.Equal(t, int64(2), first.Version)

			second.CurrentPage = 20
			err = s.UpdateAssociation(ctx, second, second.Version)
			assert.ErrorIs(t, err, shelferrors.ErrVersionConflict)

			stored, _, err := s.GetAssociation(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, 10, stored.CurrentPage)
			require.NotNil(t, stored.TotalPages)
			assert.Equal(t, 200, *stored.TotalPages)
			assert.Equal(t, model.InProgress, stored.State)

			missing := &model.Association{ID: 9999, State: model.Planned, CurrentPage: 1}
			assert.ErrorIs(t, s.UpdateAssociation(ctx, missing, 1), shelferrors.ErrNotFound)
		})
	}
}

func TestListByUserAndState(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			var ids []int64
			for _, isbn := range []string{"9780000000010", "9780000000011", "9780000000012"} {
				b := seedBook(t, s, isbn)
				a := &model.Association{UserID: 5, BookID: b.ID, State: model.InProgress, CurrentPage: 1}
				require.NoError(t, s.CreateAssociation(ctx, a))
				ids = append(ids, a.ID)
				time.Sleep(2 * time.Millisecond)
			}
			other := seedBook(t, s, "9780000000013")
			require.NoError(t, s.CreateAssociation(ctx, &model.Association{UserID: 5, BookID: other.ID, State: model.Planned, CurrentPage: 1}))

			page1, err := s.ListByUserAndState(ctx, 5, model.InProgress, model.Page{Number: 1, Size: 2})
			require.NoError(t, err)
			require.Len(t, page1, 2)
			assert.Equal(t, ids[2], page1[0].Association.ID, "newest first")
			assert.Equal(t, ids[1], page1[1].Association.ID)
			assert.Equal(t, "Title 9780000000012", page1[0].Book.Title)

			page2, err := s.ListByUserAndState(ctx, 5, model.InProgress, model.Page{Number: 2, Size: 2})
			require.NoError(t, err)
			require.Len(t, page2, 1)
			assert.Equal(t, ids[0], page2[0].Association.ID)

			empty, err := s.ListByUserAndState(ctx, 5, model.InProgress, model.Page{Number: 3, Size: 2})
			require.NoError(t, err)
			assert.Empty(t, empty)

			n, err := s.CountByUserAndState(ctx, 5, model.Planned)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			users, err := s.ActiveUsers(ctx, time.Now().Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Equal(t, []int64{5}, users)
		})
	}
}

func TestCanceledContext(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, _, err := s.FindBookByISBN(ctx, "9780000000001")
			assert.Error(t, err)
		})
	}
}
