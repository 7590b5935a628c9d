// Package httpapi exposes the library service over HTTP with gin.
//
// Authentication happens upstream: the gateway forwards the caller's user id
// in the X-User-ID header.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-shelf/v1/library"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

const userKey = "shelf.user"

var errNoUser = errors.New("missing or invalid " + UserHeader)

// Handler serves the /api/books endpoints.
type Handler struct {
	svc    *library.Service
	feed   watchbus.WatchBus
	logger *slog.Logger
}

// New returns a Handler. feed may be nil, in which case the event streams
// are not registered.
func New(svc *library.Service, feed watchbus.WatchBus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, feed: feed, logger: logger}
}

// RouterConfig holds the dependencies of NewRouter.
type RouterConfig struct {
	Handler  *Handler
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// NewRouter creates the engine with every endpoint mounted.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	cfg.Handler.Register(router.Group("/api"))
	return router
}

// Register mounts the book routes on r.
func (h *Handler) Register(r gin.IRouter) {
	books := r.Group("/books", requireUser())
	books.GET("", h.List)
	books.POST("", h.AddBook)
	books.PATCH("", h.UpdateProgress)
	if h.feed != nil {
		books.GET("/events", gin.WrapF(watchbus.SSEHandler(h.feed, feedKey)))
		books.GET("/ws", gin.WrapF(watchbus.WebSocketHandler(h.feed, feedKey)))
	}
}

func parseUser(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(UserHeader)), 10, 64)
	if err != nil || id < 1 {
		return 0, errNoUser
	}
	return id, nil
}

// feedKey watches the caller's own change feed.
func feedKey(r *http.Request) (string, error) {
	id, err := parseUser(r)
	if err != nil {
		return "", err
	}
	return watchbus.UserKey(id), nil
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUser(c.Request)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(userKey)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// List handles GET /api/books?state=&page=.
func (h *Handler) List(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "page must be a number")
			return
		}
		page = n
	}
	state := library.State(strings.ToUpper(strings.TrimSpace(c.Query("state"))))

	view, err := h.svc.List(c.Request.Context(), currentUser(c), state, page)
	if err != nil {
		respondServiceError(c, err, h.logger)
		return
	}
	respondOK(c, http.StatusOK, view)
}

type bookResponse struct {
	ID          int64         `json:"id"`
	BookID      int64         `json:"bookId"`
	Title       string        `json:"title,omitempty"`
	Author      string        `json:"author,omitempty"`
	Publisher   string        `json:"publisher,omitempty"`
	State       library.State `json:"state"`
	CurrentPage int           `json:"currentPage"`
	TotalPages  *int          `json:"totalPages"`
	Progress    int           `json:"progress"`
}

func newBookResponse(a *library.Association) bookResponse {
	return bookResponse{
		ID:          a.ID,
		BookID:      a.BookID,
		State:       a.State,
		CurrentPage: a.CurrentPage,
		TotalPages:  a.TotalPages,
		Progress:    library.Progress(a.CurrentPage, a.TotalPages),
	}
}

// AddBook handles POST /api/books.
func (h *Handler) AddBook(c *gin.Context) {
	var in library.AddBookInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "request body must be a JSON book")
		return
	}
	e, err := h.svc.AddBookEntry(c.Request.Context(), currentUser(c), in)
	if err != nil {
		respondServiceError(c, err, h.logger)
		return
	}
	resp := newBookResponse(&e.Association)
	resp.Title, resp.Author, resp.Publisher = e.Book.Title, e.Book.Author, e.Book.Publisher
	respondOK(c, http.StatusCreated, resp)
}

// UpdateProgress handles PATCH /api/books.
func (h *Handler) UpdateProgress(c *gin.Context) {
	var in library.UpdateProgressInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "request body must be a JSON progress update")
		return
	}
	a, err := h.svc.UpdateProgressWithRetry(c.Request.Context(), currentUser(c), in)
	if err != nil {
		respondServiceError(c, err, h.logger)
		return
	}
	respondOK(c, http.StatusOK, newBookResponse(a))
}
