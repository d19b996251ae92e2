package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/mimic/internal/segment"
)

// handleLiveStream pushes the live context as server-sent events whenever
// it changes, plus a periodic heartbeat.
func handleLiveStream(live LiveSource, target string, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		last := ""
		push := func() bool {
			snap, ok, err := live.Snapshot(ctx)
			if err != nil {
				writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
				c.Writer.Flush()
				return false
			}
			if sig := signature(snap, ok); sig != last {
				last = sig
				writeSSE(c.Writer, "context", liveView(snap, ok, target))
				c.Writer.Flush()
			}
			return true
		}
		if !push() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				if !push() {
					return
				}
			}
		}
	}
}

// signature changes whenever a message is absorbed or the context resets.
func signature(c segment.Context, ok bool) string {
	if !ok {
		return "closed"
	}
	lines := 0
	for _, g := range c.Groups {
		lines += len(g.Lines)
	}
	return fmt.Sprintf("%d/%d/%d/%d", c.FirstTime, c.LastTime, len(c.Groups), lines)
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
