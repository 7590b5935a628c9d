package library_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-shelf/v1/adapter"
	"github.com/mirkobrombin/go-shelf/v1/cache"
	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/library"
	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/model"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

func newViews(t *testing.T, opts ...library.ViewsOption) *library.Views {
	t.Helper()
	c := cache.NewInMemory[library.View]()
	t.Cleanup(c.Close)
	v := library.NewViews(c, opts...)
	t.Cleanup(v.Close)
	return v
}

func newService(t *testing.T, store adapter.Store, locker lock.Locker, opts ...library.Option) *library.Service {
	t.Helper()
	if store == nil {
		store = adapter.NewInMemoryStore()
	}
	if locker == nil {
		locker = lock.NewInMemory()
	}
	return library.New(store, locker, newViews(t), opts...)
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func validInput(isbn string) library.AddBookInput {
	return library.AddBookInput{
		ISBN:       isbn,
		Title:      "The Go Programming Language",
		Author:     "Donovan, Kernighan",
		Publisher:  "Addison-Wesley",
		TotalPages: intPtr(380),
	}
}

// countingLocker records how often a lock was requested.
type countingLocker struct {
	lock.Locker
	calls atomic.Int32
}

func (c *countingLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*lock.Handle, error) {
	c.calls.Add(1)
	return c.Locker.Acquire(ctx, key, wait, lease)
}

// countingStore records list queries so tests can tell cache hits apart.
type countingStore struct {
	adapter.Store
	lists atomic.Int32
}

func (c *countingStore) ListByUserAndState(ctx context.Context, userID int64, state model.State, page model.Page) ([]model.Entry, error) {
	c.lists.Add(1)
	return c.Store.ListByUserAndState(ctx, userID, state, page)
}

// racingStore lets another writer update the row between the service's read
// and its write, a given number of times.
type racingStore struct {
	adapter.Store
	races atomic.Int32
}

func (r *racingStore) GetAssociation(ctx context.Context, id int64) (*model.Association, bool, error) {
	a, ok, err := r.Store.GetAssociation(ctx, id)
	if err != nil || !ok {
		return a, ok, err
	}
	if r.races.Add(-1) >= 0 {
		other := a.Clone()
		if err := r.Store.UpdateAssociation(ctx, &other, other.Version); err != nil {
			return nil, false, err
		}
	}
	return a, ok, err
}

func runConcurrentAddBook(t *testing.T, svc *library.Service, n int, userID int64, in library.AddBookInput) (wins, dups, busy int) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.AddBook(context.Background(), userID, in)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, shelferrors.ErrAlreadyRegistered):
				dups++
			case errors.Is(err, shelferrors.ErrLockNotAcquired):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins, dups, busy
}

func TestAddBookConcurrentIdenticalRequests(t *testing.T) {
	newRedisLocker := func(t *testing.T) lock.Locker {
		return lock.NewRedis(newRedisClient(t))
	}
	newGormStore := func(t *testing.T) adapter.Store {
		db, err := adapter.OpenGorm("sqlite", ":memory:")
		require.NoError(t, err)
		s, err := adapter.NewGormStore(db)
		require.NoError(t, err)
		return s
	}
	cases := map[string]struct {
		store  func(t *testing.T) adapter.Store
		locker func(t *testing.T) lock.Locker
	}{
		"memory lock, memory store": {
			store:  func(*testing.T) adapter.Store { return adapter.NewInMemoryStore() },
			locker: func(*testing.T) lock.Locker { return lock.NewInMemory() },
		},
		"redis lock, memory store": {
			store:  func(*testing.T) adapter.Store { return adapter.NewInMemoryStore() },
			locker: newRedisLocker,
		},
		"memory lock, sql store": {
			store:  newGormStore,
			locker: func(*testing.T) lock.Locker { return lock.NewInMemory() },
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := tc.store(t)
			svc := newService(t, store, tc.locker(t))
			in := validInput("9780134190440")

			wins, dups, busy := runConcurrentAddBook(t, svc, 30, 42, in)
			assert.Equal(t, 1, wins)
			assert.Equal(t, 29, dups+busy)

			book, ok, err := store.FindBookByISBN(context.Background(), in.ISBN)
			require.NoError(t, err)
			require.True(t, ok)
			n, err := store.CountByUserAndState(context.Background(), 42, library.Planned)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok, err = store.FindAssociation(context.Background(), 42, book.ID)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestAddBookUniquePerUserInMemoryStore(t *testing.T) {
	store := adapter.NewInMemoryStore()
	svc := newService(t, store, nil)
	in := validInput("9780134190440")

	wins, _, _ := runConcurrentAddBook(t, svc, 30, 7, in)
	require.Equal(t, 1, wins)
	book, _, err := store.FindBookByISBN(context.Background(), in.ISBN)
	require.NoError(t, err)
	assert.Equal(t, 1, store.CountAssociations(7, book.ID))
}

func TestAddBookCreatesEntry(t *testing.T) {
	svc := newService(t, nil, nil)
	a, err := svc.AddBook(context.Background(), 1, validInput("9780134190440"))
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, int64(1), a.UserID)
	assert.Equal(t, library.Planned, a.State)
	assert.Equal(t, 1, a.CurrentPage)
	require.NotNil(t, a.TotalPages)
	assert.Equal(t, 380, *a.TotalPages)
}

func TestAddBookInitialStateOption(t *testing.T) {
	svc := newService(t, nil, nil, library.WithInitialState(library.InProgress))
	a, err := svc.AddBook(context.Background(), 1, validInput("9780134190440"))
	require.NoError(t, err)
	assert.Equal(t, library.InProgress, a.State)
}

func TestAddBookAlreadyRegistered(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	_, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	_, err = svc.AddBook(ctx, 1, validInput("9780134190440"))
	assert.ErrorIs(t, err, shelferrors.ErrAlreadyRegistered)
	assert.False(t, shelferrors.Retryable(err))
}

func TestAddBookSharesCatalogAcrossUsers(t *testing.T) {
	store := adapter.NewInMemoryStore()
	svc := newService(t, store, nil)
	ctx := context.Background()

	a1, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)
	other := validInput("9780134190440")
	other.Title = "ignored, the catalog entry already exists"
	a2, err := svc.AddBook(ctx, 2, other)
	require.NoError(t, err)

	assert.Equal(t, a1.BookID, a2.BookID)
	assert.NotEqual(t, a1.ID, a2.ID)
	book, _, err := store.GetBook(ctx, a1.BookID)
	require.NoError(t, err)
	assert.Equal(t, "The Go Programming Language", book.Title)
}

func TestAddBookConcurrentUsersSameISBN(t *testing.T) {
	store := adapter.NewInMemoryStore()
	svc := newService(t, store, nil)
	in := validInput("9780134190440")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.AddBook(context.Background(), int64(i+1), in)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "user %d", i+1)
	}
	book, ok, err := store.FindBookByISBN(context.Background(), in.ISBN)
	require.NoError(t, err)
	require.True(t, ok)
	for i := range errs {
		assert.Equal(t, 1, store.CountAssociations(int64(i+1), book.ID))
	}
}

func TestAddBookValidationSkipsLock(t *testing.T) {
	tests := []struct {
		name  string
		user  int64
		edit  func(*library.AddBookInput)
		field string
	}{
		{"missing isbn", 1, func(in *library.AddBookInput) { in.ISBN = "" }, "isbn"},
		{"short isbn", 1, func(in *library.AddBookInput) { in.ISBN = "12345" }, "isbn"},
		{"long isbn", 1, func(in *library.AddBookInput) { in.ISBN = "97801341904401" }, "isbn"},
		{"missing title", 1, func(in *library.AddBookInput) { in.Title = "" }, "title"},
		{"missing author", 1, func(in *library.AddBookInput) { in.Author = "" }, "author"},
		{"zero pages", 1, func(in *library.AddBookInput) { in.TotalPages = intPtr(0) }, "totalPages"},
		{"invalid user", 0, func(*library.AddBookInput) {}, "userId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := &countingLocker{Locker: lock.NewInMemory()}
			svc := newService(t, nil, locker)
			in := validInput("9780134190440")
			tt.edit(&in)

			_, err := svc.AddBook(context.Background(), tt.user, in)
			require.ErrorIs(t, err, shelferrors.ErrValidation)
			var verr *shelferrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.Zero(t, locker.calls.Load(), "lock must not be touched")
		})
	}
}

func TestAddBookWithoutTotalPages(t *testing.T) {
	svc := newService(t, nil, nil)
	in := validInput("9780134190440")
	in.TotalPages = nil
	a, err := svc.AddBook(context.Background(), 1, in)
	require.NoError(t, err)
	assert.Nil(t, a.TotalPages)
}

func TestAddBookLockContention(t *testing.T) {
	locker := lock.NewInMemory()
	svc := newService(t, nil, locker, library.WithLockOptions(lock.Options{Wait: 50 * time.Millisecond, Lease: time.Second}))
	ctx := context.Background()

	h, err := locker.Acquire(ctx, lock.Key("add-book", 1, "9780134190440"), time.Second, 5*time.Second)
	require.NoError(t, err)

	_, err = svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.ErrorIs(t, err, shelferrors.ErrLockNotAcquired)
	assert.True(t, shelferrors.Retryable(err))

	// A different ISBN for the same user does not contend.
	_, err = svc.AddBook(ctx, 1, validInput("9780262033848"))
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))
	_, err = svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)
}

func TestAddBookReleasesLockOnStoreFailure(t *testing.T) {
	locker := lock.NewInMemory()
	store := &failingStore{Store: adapter.NewInMemoryStore(), err: errors.New("disk full")}
	svc := newService(t, store, locker)

	_, err := svc.AddBook(context.Background(), 1, validInput("9780134190440"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "library: create association")
	assert.False(t, locker.Held(lock.Key("add-book", 1, "9780134190440")))
}

type failingStore struct {
	adapter.Store
	err error
}

func (f *failingStore) CreateAssociation(context.Context, *model.Association) error {
	return f.err
}

func TestUpdateProgress(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	got, err := svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(100)})
	require.NoError(t, err)
	assert.Equal(t, library.InProgress, got.State)
	assert.Equal(t, 100, got.CurrentPage)
	assert.Equal(t, a.Version+1, got.Version)

	got, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(380)})
	require.NoError(t, err)
	assert.Equal(t, library.Completed, got.State)

	got, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(200)})
	require.NoError(t, err)
	assert.Equal(t, library.InProgress, got.State, "completion is not sticky")

	got, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, State: statePtr(library.Archived), CurrentPage: intPtr(380)})
	require.NoError(t, err)
	assert.Equal(t, library.Archived, got.State, "explicit state wins")

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(381)})
	assert.ErrorIs(t, err, shelferrors.ErrValidation)
}

func TestUpdateProgressErrors(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	_, err = svc.UpdateProgress(ctx, 2, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(5)})
	assert.ErrorIs(t, err, shelferrors.ErrNotFound, "another user's entry is invisible")

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: 999, CurrentPage: intPtr(5)})
	assert.ErrorIs(t, err, shelferrors.ErrNotFound)

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID})
	assert.ErrorIs(t, err, shelferrors.ErrValidation, "at least one field is required")

	bogus := library.State("READING")
	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, State: &bogus})
	assert.ErrorIs(t, err, shelferrors.ErrValidation)

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(0)})
	assert.ErrorIs(t, err, shelferrors.ErrValidation)
}

func TestUpdateProgressVersionConflict(t *testing.T) {
	store := &racingStore{Store: adapter.NewInMemoryStore()}
	svc := newService(t, store, nil)
	ctx := context.Background()
	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	store.races.Store(1)
	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(10)})
	require.ErrorIs(t, err, shelferrors.ErrVersionConflict)
	assert.True(t, shelferrors.Retryable(err))

	store.races.Store(2)
	got, err := svc.UpdateProgressWithRetry(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(10)})
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentPage)

	store.races.Store(10)
	_, err = svc.UpdateProgressWithRetry(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(20)})
	assert.ErrorIs(t, err, shelferrors.ErrVersionConflict, "gives up after the configured attempts")
}

func TestListDefaultsAndValidation(t *testing.T) {
	svc := newService(t, nil, nil, library.WithInitialState(library.InProgress))
	ctx := context.Background()
	_, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	v, err := svc.List(ctx, 1, "", 1)
	require.NoError(t, err)
	require.Len(t, v.Items, 1, "empty filter means IN_PROGRESS")
	assert.Equal(t, "The Go Programming Language", v.Items[0].Title)
	assert.Equal(t, 0, v.Items[0].Progress)

	_, err = svc.List(ctx, 1, library.InProgress, 0)
	assert.ErrorIs(t, err, shelferrors.ErrValidation)
	_, err = svc.List(ctx, 1, "READING", 1)
	assert.ErrorIs(t, err, shelferrors.ErrValidation)
	_, err = svc.List(ctx, 0, library.InProgress, 1)
	assert.ErrorIs(t, err, shelferrors.ErrValidation)
}

func TestListPaginationAndSummary(t *testing.T) {
	svc := newService(t, nil, nil, library.WithPageSize(5))
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 12; i++ {
		a, err := svc.AddBook(ctx, 1, validInput(fmt.Sprintf("97800000000%02d", i)))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	_, err := svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: ids[0], CurrentPage: intPtr(190)})
	require.NoError(t, err)
	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: ids[1], State: statePtr(library.Archived)})
	require.NoError(t, err)

	v, err := svc.List(ctx, 1, library.Planned, 1)
	require.NoError(t, err)
	assert.Equal(t, library.Summary{Planned: 10, InProgress: 1, Completed: 0, Archived: 1}, v.Summary)
	assert.Len(t, v.Items, 5)
	assert.Equal(t, library.Pagination{Page: 1, TotalPages: 2, TotalElements: 10, HasPrevious: false, HasNext: true}, v.Pagination)

	v, err = svc.List(ctx, 1, library.Planned, 2)
	require.NoError(t, err)
	assert.Len(t, v.Items, 5)
	assert.True(t, v.Pagination.HasPrevious)
	assert.False(t, v.Pagination.HasNext)

	v, err = svc.List(ctx, 1, library.Planned, 7)
	require.NoError(t, err)
	assert.Empty(t, v.Items)

	v, err = svc.List(ctx, 1, library.InProgress, 1)
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	assert.Equal(t, 50, v.Items[0].Progress)
}

func TestListServedFromCache(t *testing.T) {
	store := &countingStore{Store: adapter.NewInMemoryStore()}
	svc := newService(t, store, nil)
	ctx := context.Background()
	_, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.List(ctx, 1, library.Planned, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.lists.Load())

	// Pages past the cached range always hit the store.
	for i := 0; i < 2; i++ {
		_, err := svc.List(ctx, 1, library.Planned, library.DefaultMaxCachedPages+1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), store.lists.Load())
}

func TestListReflectsEveryMutation(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	states := []library.State{library.Planned, library.InProgress, library.Completed, library.Archived}

	warm := func() {
		for _, s := range states {
			_, err := svc.List(ctx, 1, s, 1)
			require.NoError(t, err)
		}
	}
	assertOnlyIn := func(id int64, want library.State) {
		t.Helper()
		for _, s := range states {
			v, err := svc.List(ctx, 1, s, 1)
			require.NoError(t, err)
			found := false
			for _, it := range v.Items {
				if it.ID == id {
					found = true
				}
			}
			assert.Equal(t, s == want, found, "entry %d in %s", id, s)
		}
	}

	warm()
	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)
	assertOnlyIn(a.ID, library.Planned)

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(10)})
	require.NoError(t, err)
	assertOnlyIn(a.ID, library.InProgress)

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(380)})
	require.NoError(t, err)
	assertOnlyIn(a.ID, library.Completed)
	v, err := svc.List(ctx, 1, library.Completed, 1)
	require.NoError(t, err)
	assert.Equal(t, 100, v.Items[0].Progress)
	assert.Equal(t, 1, v.Summary.Completed)

	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, State: statePtr(library.Archived)})
	require.NoError(t, err)
	assertOnlyIn(a.ID, library.Archived)
}

func TestListConcurrentWithMutations(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = svc.List(ctx, 1, library.InProgress, 1)
				}
			}
		}()
	}
	for page := 2; page <= 50; page++ {
		_, err := svc.UpdateProgressWithRetry(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(page)})
		require.NoError(t, err)
		v, err := svc.List(ctx, 1, library.InProgress, 1)
		require.NoError(t, err)
		require.Len(t, v.Items, 1)
		require.Equal(t, page, v.Items[0].CurrentPage, "stale view after update to page %d", page)
	}
	close(stop)
	wg.Wait()
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (library.View, bool, error) {
	return library.View{}, false, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, string, library.View, time.Duration) error {
	return errors.New("connection refused")
}

func (brokenCache) Invalidate(context.Context, string) error {
	return errors.New("connection refused")
}

func TestCacheFailuresNeverSurface(t *testing.T) {
	svc := library.New(adapter.NewInMemoryStore(), lock.NewInMemory(), library.NewViews(brokenCache{}))
	ctx := context.Background()

	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)
	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(3)})
	require.NoError(t, err)
	v, err := svc.List(ctx, 1, library.InProgress, 1)
	require.NoError(t, err)
	assert.Len(t, v.Items, 1)
}

func TestMutationsPublishChangeEvents(t *testing.T) {
	feed := watchbus.NewInMemory()
	svc := newService(t, nil, nil, library.WithFeed(feed))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := feed.Watch(ctx, watchbus.UserKey(1))
	require.NoError(t, err)

	a, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)
	_, err = svc.UpdateProgress(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(380)})
	require.NoError(t, err)

	want := []struct {
		typ   watchbus.EventType
		state string
	}{
		{watchbus.BookAdded, "PLANNED"},
		{watchbus.ProgressUpdated, "COMPLETED"},
	}
	for _, w := range want {
		select {
		case msg := <-ch:
			ev, err := watchbus.DecodeEvent(msg)
			require.NoError(t, err)
			assert.Equal(t, w.typ, ev.Type)
			assert.Equal(t, w.state, ev.State)
			assert.Equal(t, a.ID, ev.AssociationID)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", w.typ)
		}
	}

	// Failed mutations publish nothing.
	_, err = svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.Error(t, err)
	select {
	case msg := <-ch:
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddBookEntryReturnsStoredCatalogEntry(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	_, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	other := validInput("9780134190440")
	other.Title = "A different title"
	other.Publisher = ""
	e, err := svc.AddBookEntry(ctx, 2, other)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Association.UserID)
	assert.Equal(t, e.Book.ID, e.Association.BookID)
	assert.Equal(t, "The Go Programming Language", e.Book.Title)
	assert.Equal(t, "Addison-Wesley", e.Book.Publisher)
}

// cancelOnConflict cancels the caller's context whenever a write loses a
// version race.
type cancelOnConflict struct {
	adapter.Store
	cancel context.CancelFunc
}

func (c *cancelOnConflict) UpdateAssociation(ctx context.Context, a *model.Association, version int64) error {
	err := c.Store.UpdateAssociation(ctx, a, version)
	if errors.Is(err, shelferrors.ErrVersionConflict) {
		c.cancel()
	}
	return err
}

func TestUpdateProgressWithRetryNoBackoffAfterLastAttempt(t *testing.T) {
	racing := &racingStore{Store: adapter.NewInMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t, &cancelOnConflict{Store: racing, cancel: cancel}, nil, library.WithUpdateAttempts(1))
	a, err := svc.AddBook(context.Background(), 1, validInput("9780134190440"))
	require.NoError(t, err)

	racing.races.Store(1)
	_, err = svc.UpdateProgressWithRetry(ctx, 1, library.UpdateProgressInput{ID: a.ID, CurrentPage: intPtr(10)})
	assert.ErrorIs(t, err, shelferrors.ErrVersionConflict, "the last conflict is returned without waiting")
}

func TestListReturnsPrivateCopies(t *testing.T) {
	svc := newService(t, nil, nil)
	ctx := context.Background()
	_, err := svc.AddBook(ctx, 1, validInput("9780134190440"))
	require.NoError(t, err)

	first, err := svc.List(ctx, 1, library.Planned, 1)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	first.Items[0].Title = "scribbled"
	*first.Items[0].TotalPages = 1

	again, err := svc.List(ctx, 1, library.Planned, 1)
	require.NoError(t, err)
	assert.Equal(t, "The Go Programming Language", again.Items[0].Title)
	assert.Equal(t, 380, *again.Items[0].TotalPages)
}

// stallingStore blocks association inserts until the caller gives up.
type stallingStore struct {
	adapter.Store
	stopped time.Time
}

func (s *stallingStore) CreateAssociation(ctx context.Context, _ *model.Association) error {
	<-ctx.Done()
	s.stopped = time.Now()
	return ctx.Err()
}

func TestAddBookStopsBeforeLeaseExpires(t *testing.T) {
	locker := lock.NewInMemory()
	store := &stallingStore{Store: adapter.NewInMemoryStore()}
	lease := 200 * time.Millisecond
	svc := newService(t, store, locker, library.WithLockOptions(lock.Options{Wait: time.Second, Lease: lease}))

	start := time.Now()
	_, err := svc.AddBook(context.Background(), 1, validInput("9780134190440"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, store.stopped.Before(start.Add(lease)), "store call outlived the lease by %v", store.stopped.Sub(start.Add(lease)))
	assert.False(t, locker.Held(lock.Key("add-book", 1, "9780134190440")))
}
