package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	Slug          string   `json:"slug"`
	SubmissionIDs []string `json:"submissionIds"`
	Timestamp     string   `json:"timestamp"`
	Source        string   `json:"source"`
}

// handleFormEvents streams form events to the schema owner as server-sent events.
func (h *httpHandler) handleFormEvents(c *gin.Context) {
	actor := actorFromContext(c)
	schema, err := h.forms.ManagedSchema(c.Request.Context(), actor, c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Elevated actors that do not own the form still receive its events.
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), schema.CreatedBy, schema.Slug)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			submissionIDs := message.SubmissionIDs
			if submissionIDs == nil {
				submissionIDs = []string{}
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Slug:          message.Slug,
				SubmissionIDs: submissionIDs,
				Timestamp:     message.Timestamp.UTC().Format(time.RFC3339),
				Source:        realtimeSourceBackend,
			})
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
