package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/workers"
)

// maxConfigBody bounds a registration request.
const maxConfigBody = 64 << 10

type registerRequest struct {
	Identifier string          `json:"identifier"`
	Config     json.RawMessage `json:"config"`
}

// lastEvent summarizes the newest event of a module.
type lastEvent struct {
	Type    notify.Type `json:"type"`
	Time    time.Time   `json:"time"`
	Message string      `json:"message,omitempty"`
}

type moduleResponse struct {
	workers.ModuleStatus
	LastEvent *lastEvent `json:"last_event,omitempty"`
}

func (h *handler) registerModule(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body: " + err.Error()})
		return
	}

	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
		return
	}

	cfg, err := config.ParseModuleConfig(req.Config, h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "identifier": req.Identifier})
		return
	}

	// An invalid config is still registered so its ERROR event reaches the display.
	if err := h.registry.RegisterConfig(c.Request.Context(), req.Identifier, cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workers.ErrInvalidConfig) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error(), "identifier": req.Identifier})
		return
	}

	st, _ := h.registry.Module(req.Identifier)
	c.JSON(http.StatusAccepted, st)
}

func (h *handler) listModules(c *gin.Context) {
	statuses := h.registry.Modules()
	out := make([]moduleResponse, 0, len(statuses))
	for _, st := range statuses {
		resp := moduleResponse{ModuleStatus: st}
		if e, ok := h.hub.Last(st.Identifier); ok {
			resp.LastEvent = &lastEvent{Type: e.Type, Time: e.Time}
			if msg, ok := e.Data.(notify.Message); ok {
				resp.LastEvent.Message = msg.Message
			}
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) moduleData(c *gin.Context) {
	identifier := c.Param("identifier")
	e, ok := h.hub.Latest(identifier)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for module", "identifier": identifier})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *handler) unregisterModule(c *gin.Context) {
	identifier := c.Param("identifier")
	if !h.registry.Unregister(identifier) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown module", "identifier": identifier})
		return
	}
	c.Status(http.StatusNoContent)
}

// events streams module events as server-sent events. The retained DATA
// events are replayed first so a new client renders without waiting for
// the next cycle.
func (h *handler) events(c *gin.Context) {
	identifier := c.Query("identifier")
	ch, cancel := h.hub.Subscribe(identifier)
	defer cancel()

	var replay []notify.Event
	for _, e := range h.hub.Snapshot() {
		if identifier == "" || e.Identifier == identifier {
			replay = append(replay, e)
		}
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		if len(replay) > 0 {
			for _, e := range replay {
				c.SSEvent(string(e.Type), e)
			}
			replay = nil
			return true
		}
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type healthResponse struct {
	Status        string  `json:"status"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Modules       int     `json:"modules"`
}

func (h *handler) health(c *gin.Context) {
	uptime := h.now().Sub(h.started)
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
		Modules:       len(h.registry.Identifiers()),
	})
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
}
