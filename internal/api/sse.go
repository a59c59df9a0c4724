package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cellarsight/cellarsight/internal/job"
)

// StreamEvents handles GET /jobs/{id}/events, streaming job progress as
// Server-Sent Events until the job reaches a terminal state or the client
// disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	jobID := r.PathValue("id")
	j, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read job store")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Terminal jobs get their stored state replayed as a single event so
	// late subscribers never hang waiting for updates that already happened.
	if j.Status.IsTerminal() {
		payload, _ := json.Marshal(j)
		fmt.Fprintf(w, "event: result\ndata: %s\n\n", payload)
		flusher.Flush()
		return
	}

	ch := h.runner.Subscribe(jobID)
	defer h.runner.Unsubscribe(jobID, ch)

	// Initial snapshot so the client knows where the job currently stands.
	snapshot, _ := json.Marshal(map[string]string{"jobId": j.ID, "status": string(j.Status)})
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", snapshot)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
			flusher.Flush()
			if ev.Event == "result" || isTerminalEvent(ev.Data) {
				return
			}
		}
	}
}

// isTerminalEvent reports whether a status event payload carries a terminal
// job status.
func isTerminalEvent(data string) bool {
	var payload struct {
		Status job.Status `json:"status"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false
	}
	return payload.Status.IsTerminal()
}
