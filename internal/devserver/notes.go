package devserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/voicenotes-core/internal/shared"
	"github.com/labstack/echo/v4"
)

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type noteRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type noteListResponse struct {
	Notes []*Note `json:"notes"`
}

// notesHandler is an in-memory per-user note store behind bearer auth.
// It gives the authenticated request path something real to hit.
type notesHandler struct {
	log *slog.Logger

	mu    sync.Mutex
	notes map[string]map[string]*Note // username -> note ID -> note
}

func newNotesHandler(log *slog.Logger) *notesHandler {
	return &notesHandler{
		log:   log,
		notes: make(map[string]map[string]*Note),
	}
}

func (h *notesHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notes", h.List)
	g.POST("/notes", h.Create)
	g.GET("/notes/:id", h.Get)
	g.PUT("/notes/:id", h.Update)
	g.DELETE("/notes/:id", h.Delete)
}

func username(c echo.Context) string {
	name, _ := c.Get("username").(string)
	return name
}

func (h *notesHandler) List(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	owned := h.notes[username(c)]
	out := make([]*Note, 0, len(owned))
	for _, n := range owned {
		out = append(out, n)
	}
	return c.JSON(http.StatusOK, noteListResponse{Notes: out})
}

func (h *notesHandler) Create(c echo.Context) error {
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Title == "" {
		return shared.BadRequest("missing_title", "title is required")
	}

	now := time.Now()
	note := &Note{
		ID:        shared.NewID("note_"),
		Title:     req.Title,
		Body:      req.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}

	owner := username(c)
	h.mu.Lock()
	if h.notes[owner] == nil {
		h.notes[owner] = make(map[string]*Note)
	}
	h.notes[owner][note.ID] = note
	h.mu.Unlock()

	h.log.Debug("note created", "note_id", note.ID, "username", owner)
	return c.JSON(http.StatusCreated, note)
}

func (h *notesHandler) Get(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	note, ok := h.notes[username(c)][c.Param("id")]
	if !ok {
		return shared.NotFound("note_not_found", "note not found")
	}
	return c.JSON(http.StatusOK, note)
}

func (h *notesHandler) Update(c echo.Context) error {
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	note, ok := h.notes[username(c)][c.Param("id")]
	if !ok {
		return shared.NotFound("note_not_found", "note not found")
	}
	if req.Title != "" {
		note.Title = req.Title
	}
	note.Body = req.Body
	note.UpdatedAt = time.Now()
	return c.JSON(http.StatusOK, note)
}

func (h *notesHandler) Delete(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	owned := h.notes[username(c)]
	if _, ok := owned[c.Param("id")]; !ok {
		return shared.NotFound("note_not_found", "note not found")
	}
	delete(owned, c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
