package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

type Handlers struct {
	Store core.Store
}

type createSessionRequest struct {
	FileName string `json:"fileName" binding:"required"`
	PDFURL   string `json:"pdfUrl" binding:"required"`
	Email    string `json:"email"`
}

type createSessionResponse struct {
	ID       string `json:"id"`
	ShareURL string `json:"shareUrl"`
}

type sessionResponse struct {
	ID string `json:"id"`
	*domain.Session
}

func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid session fields"})
		return
	}

	uid := c.GetString("client_token")
	id := domain.SessionID(uuid.NewString())
	sess, err := domain.NewSession(id, req.FileName, req.PDFURL, domain.Creator{UID: uid, Email: req.Email})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Store.Create(c.Request.Context(), sess); err != nil {
		h.storeError(c, err)
		return
	}

	if req.Email != "" {
		cs := sessions.Default(c)
		cs.Set("email", req.Email)
		_ = cs.Save()
	}

	log.Info().Str("module", "httpapi").Str("session", string(id)).Str("uid", uid).Msg("session created")
	c.JSON(http.StatusCreated, createSessionResponse{
		ID:       string(id),
		ShareURL: "/studyroom/" + string(id),
	})
}

func (h *Handlers) GetSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	sess, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{ID: string(id), Session: sess})
}

func (h *Handlers) ListMySessions(c *gin.Context) {
	uid := c.GetString("client_token")
	list, err := h.Store.QueryByCreator(c.Request.Context(), uid)
	if err != nil {
		h.storeError(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionResponse{ID: string(sess.ID), Session: sess})
	}
	c.JSON(http.StatusOK, out)
}

type setPageRequest struct {
	PageNumber int `json:"pageNumber"`
}

func (h *Handlers) SetPage(c *gin.Context) {
	var req setPageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid page number"})
		return
	}

	id := domain.SessionID(c.Param("id"))
	page := domain.ClampPage(req.PageNumber)
	err := h.Store.Merge(c.Request.Context(), id, map[string]any{domain.FieldPageNumber: page})
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pageNumber": page})
}

type setNoteRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) SetNote(c *gin.Context) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < domain.MinPage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page number"})
		return
	}

	var req setNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing note text"})
		return
	}

	id := domain.SessionID(c.Param("id"))
	err = h.Store.Merge(c.Request.Context(), id, map[string]any{domain.NoteField(page): req.Text})
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pageNumber": page, "text": req.Text})
}

func (h *Handlers) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, domain.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "session already exists"})
	default:
		log.Error().Err(err).Str("module", "httpapi").Msg("store error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
	}
}
