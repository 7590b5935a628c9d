package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/model"
)

const defaultGormOpTimeout = 5 * time.Second

type bookRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ISBN      string `gorm:"size:13;not null;uniqueIndex:uk_books_isbn"`
	Title     string `gorm:"size:255;not null"`
	Author    string `gorm:"size:255;not null"`
	Publisher string `gorm:"size:255"`
	CreatedAt time.Time
}

func (bookRow) TableName() string { return "books" }

func (r bookRow) model() model.Book {
	return model.Book{ID: r.ID, ISBN: r.ISBN, Title: r.Title, Author: r.Author, Publisher: r.Publisher, CreatedAt: r.CreatedAt}
}

type associationRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	UserID      int64  `gorm:"not null;uniqueIndex:uk_user_book_user_id_book_id,priority:1;index:idx_user_book_user_state,priority:1"`
	BookID      int64  `gorm:"not null;uniqueIndex:uk_user_book_user_id_book_id,priority:2"`
	State       string `gorm:"size:20;not null;index:idx_user_book_user_state,priority:2"`
	CurrentPage int    `gorm:"not null"`
	TotalPages  *int
	Version     int64 `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (associationRow) TableName() string { return "user_books" }

func (r associationRow) model() model.Association {
	return model.Association{
		ID:          r.ID,
		UserID:      r.UserID,
		BookID:      r.BookID,
		State:       model.State(r.State),
		CurrentPage: r.CurrentPage,
		TotalPages:  r.TotalPages,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GormStore implements Store on a SQL database through GORM. Uniqueness is
// enforced by the indexes uk_books_isbn and uk_user_book_user_id_book_id.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*GormStore)

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(s *GormStore) {
		s.timeout = d
	}
}

// OpenGorm opens a database for driver "sqlite" or "postgres" with driver
// errors translated, so unique violations surface as gorm.ErrDuplicatedKey.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver != "postgres" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		// and keeps in-memory databases alive.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewGormStore migrates the schema and returns a GormStore.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	s := &GormStore{db: db, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&bookRow{}, &associationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *GormStore) conn(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx), cancel, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return shelferrors.ErrTimeout
	case isDuplicate(err):
		return fmt.Errorf("%w: %v", shelferrors.ErrAlreadyRegistered, err)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// FindBookByISBN implements Catalog.
func (s *GormStore) FindBookByISBN(ctx context.Context, isbn string) (*model.Book, bool, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	var row bookRow
	err = db.Where("isbn = ?", isbn).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	b := row.model()
	return &b, true, nil
}

// CreateBook implements Catalog.
func (s *GormStore) CreateBook(ctx context.Context, b *model.Book) error {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	row := bookRow{ISBN: b.ISBN, Title: b.Title, Author: b.Author, Publisher: b.Publisher}
	if err := db.Create(&row).Error; err != nil {
		return translate(err)
	}
	*b = row.model()
	return nil
}

// GetBook implements Catalog.
func (s *GormStore) GetBook(ctx context.Context, id int64) (*model.Book, bool, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	var row bookRow
	err = db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	b := row.model()
	return &b, true, nil
}

// FindAssociation implements Associations.
func (s *GormStore) FindAssociation(ctx context.Context, userID, bookID int64) (*model.Association, bool, error) {
	return s.firstAssociation(ctx, "user_id = ? AND book_id = ?", userID, bookID)
}

// GetAssociation implements Associations.
func (s *GormStore) GetAssociation(ctx context.Context, id int64) (*model.Association, bool, error) {
	return s.firstAssociation(ctx, "id = ?", id)
}

func (s *GormStore) firstAssociation(ctx context.Context, query string, args ...any) (*model.Association, bool, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	var row associationRow
	err = db.Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	a := row.model()
	return &a, true, nil
}

// CreateAssociation implements Associations.
func (s *GormStore) CreateAssociation(ctx context.Context, a *model.Association) error {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	row := associationRow{
		UserID:      a.UserID,
		BookID:      a.BookID,
		State:       string(a.State),
		CurrentPage: a.CurrentPage,
		TotalPages:  a.TotalPages,
		Version:     1,
	}
	if err := db.Create(&row).Error; err != nil {
		return translate(err)
	}
	*a = row.model()
	return nil
}

// UpdateAssociation implements Associations with a compare-and-set on the
// version column.
func (s *GormStore) UpdateAssociation(ctx context.Context, a *model.Association, expectedVersion int64) error {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	now := time.Now()
	res := db.Model(&associationRow{}).
		Where("id = ? AND version = ?", a.ID, expectedVersion).
		Updates(map[string]any{
			"state":        string(a.State),
			"current_page": a.CurrentPage,
			"total_pages":  a.TotalPages,
			"version":      expectedVersion + 1,
			"updated_at":   now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&associationRow{}).Where("id = ?", a.ID).Count(&n).Error; err != nil {
			return translate(err)
		}
		if n == 0 {
			return fmt.Errorf("association %d: %w", a.ID, shelferrors.ErrNotFound)
		}
		return fmt.Errorf("association %d, expected version %d: %w", a.ID, expectedVersion, shelferrors.ErrVersionConflict)
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return nil
}

// CountByUserAndState implements Associations.
func (s *GormStore) CountByUserAndState(ctx context.Context, userID int64, state model.State) (int, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int64
	if err := db.Model(&associationRow{}).Where("user_id = ? AND state = ?", userID, string(state)).Count(&n).Error; err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}

// ListByUserAndState implements Associations.
func (s *GormStore) ListByUserAndState(ctx context.Context, userID int64, state model.State, page model.Page) ([]model.Entry, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rows []associationRow
	q := db.Where("user_id = ? AND state = ?", userID, string(state)).
		Order("created_at DESC").Order("id DESC").
		Offset(page.Offset())
	if page.Size > 0 {
		q = q.Limit(page.Size)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	if len(rows) == 0 {
		return []model.Entry{}, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.BookID)
	}
	var books []bookRow
	if err := db.Where("id IN ?", ids).Find(&books).Error; err != nil {
		return nil, translate(err)
	}
	byID := make(map[int64]model.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b.model()
	}
	out := make([]model.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Entry{Association: r.model(), Book: byID[r.BookID]})
	}
	return out, nil
}

// ActiveUsers implements Associations.
func (s *GormStore) ActiveUsers(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	db, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var users []int64
	q := db.Model(&associationRow{}).
		Where("updated_at >= ?", since).
		Group("user_id").
		Order("MAX(updated_at) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("user_id", &users).Error; err != nil {
		return nil, translate(err)
	}
	return users, nil
}
