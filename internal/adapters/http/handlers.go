package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/app"
	"github.com/eagleeye/liveview/internal/domain"
)

const savedSelectionKey = "selection"

type handlers struct {
	viewer  *app.Viewer
	limiter *SelectionRateLimiter
}

type SelectionRequest struct {
	Streams []domain.StreamID `json:"streams"`
}

type ObjectSelectRequest struct {
	Cameras []domain.StreamID `json:"cameras"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type SelectionResponse struct {
	Object  string            `json:"object,omitempty"`
	Streams []app.StreamView  `json:"streams"`
	Saved   []domain.StreamID `json:"saved,omitempty"`
}

func (h *handlers) rateLimited(c *gin.Context) {
	if !h.limiter.Allow(c.GetString("client_token")) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many selection changes"})
		return
	}
	c.Next()
}

// GET /api/streams
func (h *handlers) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.viewer.Streams()})
}

// POST /api/streams/:id/retry
func (h *handlers) retryStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	switch err := h.viewer.Retry(id); {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"streams": h.viewer.Streams()})
	case errors.Is(err, app.ErrNotSelected):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// POST /api/streams/:id/watch
func (h *handlers) watchStream(c *gin.Context) {
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offer"})
		return
	}
	id := domain.StreamID(c.Param("id"))
	client := c.GetString("client_token")
	answer, err := h.viewer.Watch(c.Request.Context(), id, client, offer)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, answer)
	case errors.Is(err, app.ErrNotSelected):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrNotLive):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Warn().Err(err).Str("module", "adapters.http").Str("stream", string(id)).Str("client", client).Msg("watch failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not answer offer"})
	}
}

// DELETE /api/streams/:id/watch
func (h *handlers) unwatchStream(c *gin.Context) {
	if err := h.viewer.Unwatch(domain.StreamID(c.Param("id")), c.GetString("client_token")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// PUT /api/streams/:id/mute
func (h *handlers) muteStream(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mute request"})
		return
	}
	if err := h.viewer.SetMuted(domain.StreamID(c.Param("id")), c.GetString("client_token"), req.Muted); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/status
func (h *handlers) statusSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.viewer.Status.Snapshot()})
}

// GET /api/selection
func (h *handlers) getSelection(c *gin.Context) {
	c.JSON(http.StatusOK, SelectionResponse{
		Object:  h.viewer.SelectedObject(),
		Streams: h.viewer.Streams(),
		Saved:   loadSelection(sessions.Default(c)),
	})
}

// PUT /api/selection
func (h *handlers) putSelection(c *gin.Context) {
	var req SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid selection"})
		return
	}
	views := h.viewer.SetStreams(req.Streams)
	saveSelection(c, req.Streams)
	c.JSON(http.StatusOK, SelectionResponse{Streams: views, Saved: req.Streams})
}

// DELETE /api/selection
func (h *handlers) clearSelection(c *gin.Context) {
	h.viewer.Clear()
	saveSelection(c, nil)
	c.Status(http.StatusNoContent)
}

// POST /api/objects/:id/select
func (h *handlers) selectObject(c *gin.Context) {
	var req ObjectSelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid camera list"})
		return
	}
	object := c.Param("id")
	selected := h.viewer.SelectObject(object, req.Cameras)
	resp := SelectionResponse{Streams: h.viewer.Streams()}
	if selected {
		resp.Object = object
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/floorplan
func (h *handlers) floorPlan(c *gin.Context) {
	if h.viewer.FloorPlan == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "floor plan not configured"})
		return
	}
	img, ok := h.viewer.FloorPlan.Current()
	if !ok {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "floor plan not loaded yet"})
		return
	}
	etag := fmt.Sprintf(`"v%d"`, img.Version)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

// The browser's last explicit selection lives in its cookie session so a
// reloaded page can offer it again.
func saveSelection(c *gin.Context, ids []domain.StreamID) {
	s := sessions.Default(c)
	if len(ids) == 0 {
		s.Delete(savedSelectionKey)
	} else {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = string(id)
		}
		s.Set(savedSelectionKey, strings.Join(parts, ","))
	}
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save selection cookie")
	}
}

func loadSelection(s sessions.Session) []domain.StreamID {
	raw, _ := s.Get(savedSelectionKey).(string)
	if raw == "" {
		return nil
	}
	var out []domain.StreamID
	for _, p := range strings.Split(raw, ",") {
		if p != "" {
			out = append(out, domain.StreamID(p))
		}
	}
	return out
}
