package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"morada/internal/config"
	"morada/internal/jobs"
	"morada/internal/model"
	"morada/internal/store"
)

// streamJobHandler serves job progress over Server-Sent Events. The
// stream polls the job row, emits status and progress events when
// they change, heartbeats while idle, and closes with a done event
// once the job reaches a terminal status.
func streamJobHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}

	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)

	// Reject unknown jobs before committing to the stream.
	if _, err := st.GetJob(c.Context(), id); err != nil {
		return respondError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	pollInterval := cfg.Stream.PollInterval()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	heartbeatEvery := cfg.Stream.HeartbeatEvery
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The request context dies with the handler; polling uses its
		// own deadline per read and stops when the client goes away.
		streamJob(st, id, w, pollInterval, heartbeatEvery)
	})
	return nil
}

func streamJob(st *store.Store, id uuid.UUID, w *bufio.Writer, pollInterval time.Duration, heartbeatEvery int) {
	var (
		lastStatus   string
		lastProgress model.Progress
		sentInitial  bool
		ticksQuiet   int
	)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job, err := st.GetJob(ctx, id)
		cancel()
		if err != nil {
			_ = writeEvent(w, "error", map[string]string{"message": err.Error()})
			return
		}

		changed := false
		if !sentInitial || job.Status != lastStatus {
			if err := writeEvent(w, "status", map[string]string{"status": job.Status}); err != nil {
				return
			}
			lastStatus = job.Status
			changed = true
		}
		if !sentInitial || job.Progress != lastProgress {
			if err := writeEvent(w, "progress", job.Progress); err != nil {
				return
			}
			lastProgress = job.Progress
			changed = true
		}
		sentInitial = true

		if jobs.Status(job.Status).IsTerminal() {
			_ = writeEvent(w, "done", map[string]any{
				"status":   job.Status,
				"progress": job.Progress,
			})
			return
		}

		if changed {
			ticksQuiet = 0
		} else {
			ticksQuiet++
			if ticksQuiet >= heartbeatEvery {
				if err := writeEvent(w, "heartbeat", map[string]int64{"ts": time.Now().Unix()}); err != nil {
					return
				}
				ticksQuiet = 0
			}
		}

		time.Sleep(pollInterval)
	}
}

// writeEvent frames one SSE event and flushes it. A flush error means
// the client disconnected.
func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
