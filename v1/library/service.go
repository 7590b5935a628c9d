// Package library registers books in user libraries, moves entries through
// the reading state machine and serves cached library views.
//
// Registration is serialized per (user, isbn) by a lock.Locker so that
// identical concurrent requests create at most one entry. Progress updates
// rely on the store's optimistic versioning instead. Every successful
// mutation evicts the user's cached views before returning.
package library

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-shelf/v1/adapter"
	"github.com/mirkobrombin/go-shelf/v1/cache"
	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/metrics"
	"github.com/mirkobrombin/go-shelf/v1/model"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-shelf/v1/library")

// Service is safe for concurrent use.
type Service struct {
	store     adapter.Store
	locker    lock.Locker
	views     *Views
	validator *inputValidator
	flights   singleflight.Group
	opts      options
	logger    *slog.Logger
}

// New returns a Service. A nil views caches nothing beyond an in-process
// LRU of default size.
func New(store adapter.Store, locker lock.Locker, views *Views, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if views == nil {
		views = NewViews(cache.NewInMemory[View](cache.WithMaxEntries[View](10_000)), WithViewLogger(o.logger))
	}
	return &Service{
		store:     store,
		locker:    locker,
		views:     views,
		validator: newInputValidator(),
		opts:      o,
		logger:    o.logger,
	}
}

// Views returns the view cache used by the service.
func (s *Service) Views() *Views { return s.views }

func checkUser(userID int64) error {
	if userID < 1 {
		return shelferrors.ValidationFields("invalid user", map[string]string{"userId": "must be greater than or equal to 1"})
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddBook places a book in the user's library, creating the catalog entry
// if the ISBN is new. Identical concurrent calls yield one success; the rest
// fail with errors.ErrAlreadyRegistered or errors.ErrLockNotAcquired.
func (s *Service) AddBook(ctx context.Context, userID int64, in AddBookInput) (*Association, error) {
	e, err := s.AddBookEntry(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	return &e.Association, nil
}

// AddBookEntry is AddBook returning the catalog entry as stored as well. When
// the ISBN was already known its stored title, author and publisher win over
// the input.
func (s *Service) AddBookEntry(ctx context.Context, userID int64, in AddBookInput) (e *Entry, err error) {
	ctx, span := tracer.Start(ctx, "library.AddBook", trace.WithAttributes(
		attribute.Int64("shelf.user_id", userID),
		attribute.String("shelf.isbn", in.ISBN),
	))
	defer func() {
		metrics.RegistrationCounter.WithLabelValues(outcome(err, "created")).Inc()
		endSpan(span, err)
	}()

	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}

	var book *Book
	key := lock.Key("add-book", userID, in.ISBN)
	register := s.withInvalidation(watchbus.BookAdded,
		withLock(s.locker, key, s.opts.lock, func(ctx context.Context) (*Association, error) {
			a, b, err := s.register(ctx, userID, in)
			book = b
			return a, err
		}))
	a, err := register(ctx)
	if err != nil {
		s.logger.Debug("add book rejected", "user", userID, "isbn", in.ISBN, "error", err)
		return nil, err
	}
	s.logger.Info("book added", "user", userID, "isbn", in.ISBN, "association", a.ID, "state", a.State)
	return &Entry{Association: *a, Book: *book}, nil
}

// register is the critical section of AddBook.
func (s *Service) register(ctx context.Context, userID int64, in AddBookInput) (*Association, *Book, error) {
	book, err := s.findOrCreateBook(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	_, exists, err := s.store.FindAssociation(ctx, userID, book.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("library: find association: %w", err)
	}
	if exists {
		return nil, nil, fmt.Errorf("user %d isbn %s: %w", userID, in.ISBN, shelferrors.ErrAlreadyRegistered)
	}
	a := &Association{
		UserID:      userID,
		BookID:      book.ID,
		State:       s.opts.initialState,
		CurrentPage: 1,
	}
	if in.TotalPages != nil {
		total := *in.TotalPages
		a.TotalPages = &total
	}
	if err := s.store.CreateAssociation(ctx, a); err != nil {
		if stdErrors.Is(err, shelferrors.ErrAlreadyRegistered) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("library: create association: %w", err)
	}
	return a, book, nil
}

// findOrCreateBook resolves the catalog entry of in.ISBN. Another user may
// insert the same ISBN concurrently under a different lock key; the unique
// index rejects the second insert and the winner is read back.
func (s *Service) findOrCreateBook(ctx context.Context, in AddBookInput) (*Book, error) {
	book, ok, err := s.store.FindBookByISBN(ctx, in.ISBN)
	if err != nil {
		return nil, fmt.Errorf("library: find book: %w", err)
	}
	if ok {
		return book, nil
	}
	book = &Book{ISBN: in.ISBN, Title: in.Title, Author: in.Author, Publisher: in.Publisher}
	err = s.store.CreateBook(ctx, book)
	if err == nil {
		return book, nil
	}
	if !stdErrors.Is(err, shelferrors.ErrAlreadyRegistered) {
		return nil, fmt.Errorf("library: create book: %w", err)
	}
	book, ok, err = s.store.FindBookByISBN(ctx, in.ISBN)
	if err != nil {
		return nil, fmt.Errorf("library: find book: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("library: book %s vanished after duplicate insert", in.ISBN)
	}
	return book, nil
}

// UpdateProgress applies a progress change to one of the user's entries.
// A concurrent change to the same entry yields errors.ErrVersionConflict.
func (s *Service) UpdateProgress(ctx context.Context, userID int64, in UpdateProgressInput) (a *Association, err error) {
	ctx, span := tracer.Start(ctx, "library.UpdateProgress", trace.WithAttributes(
		attribute.Int64("shelf.user_id", userID),
		attribute.Int64("shelf.association_id", in.ID),
	))
	defer func() {
		metrics.ProgressCounter.WithLabelValues(outcome(err, "updated")).Inc()
		endSpan(span, err)
	}()

	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if in.empty() {
		return nil, shelferrors.Validation("one of state, currentPage or totalPages is required")
	}

	update := s.withInvalidation(watchbus.ProgressUpdated, func(ctx context.Context) (*Association, error) {
		return s.applyProgress(ctx, userID, in)
	})
	a, err = update(ctx)
	if err != nil {
		s.logger.Debug("progress update rejected", "user", userID, "association", in.ID, "error", err)
		return nil, err
	}
	return a, nil
}

func (s *Service) applyProgress(ctx context.Context, userID int64, in UpdateProgressInput) (*Association, error) {
	cur, ok, err := s.store.GetAssociation(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("library: get association: %w", err)
	}
	if !ok || cur.UserID != userID {
		return nil, fmt.Errorf("association %d: %w", in.ID, shelferrors.ErrNotFound)
	}
	next, err := ApplyProgress(*cur, in.State, in.TotalPages, in.CurrentPage)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateAssociation(ctx, &next, cur.Version); err != nil {
		if stdErrors.Is(err, shelferrors.ErrVersionConflict) || stdErrors.Is(err, shelferrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("library: update association: %w", err)
	}
	return &next, nil
}

// UpdateProgressWithRetry calls UpdateProgress again on version conflicts,
// up to the configured number of attempts.
func (s *Service) UpdateProgressWithRetry(ctx context.Context, userID int64, in UpdateProgressInput) (*Association, error) {
	var err error
	for attempt := 1; attempt <= s.opts.updateAttempts; attempt++ {
		var a *Association
		a, err = s.UpdateProgress(ctx, userID, in)
		if !stdErrors.Is(err, shelferrors.ErrVersionConflict) {
			return a, err
		}
		if attempt == s.opts.updateAttempts {
			break
		}
		s.logger.Debug("version conflict, retrying", "association", in.ID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return nil, err
}

// List returns one page of the user's entries in state, newest first, with
// counts for every state. An empty state means IN_PROGRESS. Pages start at 1.
func (s *Service) List(ctx context.Context, userID int64, state State, page int) (view View, err error) {
	if state == "" {
		state = InProgress
	}
	ctx, span := tracer.Start(ctx, "library.List", trace.WithAttributes(
		attribute.Int64("shelf.user_id", userID),
		attribute.String("shelf.state", string(state)),
		attribute.Int("shelf.page", page),
	))
	defer func() { endSpan(span, err) }()

	if err := checkUser(userID); err != nil {
		return View{}, err
	}
	if !state.Valid() {
		return View{}, shelferrors.ValidationFields("invalid filter", map[string]string{
			"state": "must be one of: PLANNED IN_PROGRESS COMPLETED ARCHIVED",
		})
	}
	if page < 1 {
		return View{}, shelferrors.ValidationFields("invalid filter", map[string]string{
			"page": "must be greater than or equal to 1",
		})
	}

	gen, cacheable := s.views.Generation(ctx, userID)
	if cacheable {
		if v, ok := s.views.GetAt(ctx, userID, gen, state, page); ok {
			span.SetAttributes(attribute.Bool("shelf.cache_hit", true))
			return v.clone(), nil
		}
	}

	key := ViewKey(userID, gen, state, page)
	if !cacheable {
		key += ":direct"
	}
	res, err, _ := s.flights.Do(key, func() (any, error) {
		v, err := s.load(context.WithoutCancel(ctx), userID, state, page)
		if err != nil {
			return View{}, err
		}
		if cacheable {
			s.views.PutIfCurrent(ctx, userID, state, page, gen, v)
		}
		return v, nil
	})
	if err != nil {
		return View{}, err
	}
	return res.(View).clone(), nil
}

// Fresh renders a view straight from the store, leaving the cache alone.
func (s *Service) Fresh(ctx context.Context, userID int64, state State, page int) (View, error) {
	if !state.Valid() || page < 1 {
		return View{}, shelferrors.Validation("invalid filter %s page %d", state, page)
	}
	return s.load(ctx, userID, state, page)
}

func (s *Service) load(ctx context.Context, userID int64, state State, page int) (View, error) {
	var (
		view    View
		entries []model.Entry
		counts  [4]int
	)
	states := model.States()
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range states {
		i, st := i, st
		g.Go(func() error {
			n, err := s.store.CountByUserAndState(gctx, userID, st)
			if err != nil {
				return fmt.Errorf("library: count %s: %w", st, err)
			}
			counts[i] = n
			return nil
		})
	}
	g.Go(func() error {
		var err error
		entries, err = s.store.ListByUserAndState(gctx, userID, state, model.Page{Number: page, Size: s.opts.pageSize})
		if err != nil {
			return fmt.Errorf("library: list %s: %w", state, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return View{}, err
	}

	for i, st := range states {
		view.Summary.set(st, counts[i])
	}
	view.Items = make([]Item, 0, len(entries))
	for _, e := range entries {
		view.Items = append(view.Items, toItem(e))
	}
	total := 0
	for i, st := range states {
		if st == state {
			total = counts[i]
		}
	}
	view.Pagination = paginate(page, s.opts.pageSize, total)
	return view, nil
}

// outcome maps err to a metrics label.
func outcome(err error, success string) string {
	switch {
	case err == nil:
		return success
	case stdErrors.Is(err, shelferrors.ErrValidation):
		return "invalid"
	case stdErrors.Is(err, shelferrors.ErrAlreadyRegistered):
		return "already_registered"
	case stdErrors.Is(err, shelferrors.ErrLockNotAcquired):
		return "lock_not_acquired"
	case stdErrors.Is(err, shelferrors.ErrLockUnavailable):
		return "lock_unavailable"
	case stdErrors.Is(err, shelferrors.ErrNotFound):
		return "not_found"
	case stdErrors.Is(err, shelferrors.ErrVersionConflict):
		return "version_conflict"
	default:
		return "error"
	}
}
