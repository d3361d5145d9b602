package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
)

// ServeSSE streams the events of report id as Server-Sent Events until the
// terminal event is written or the client disconnects. It only returns an
// error before the stream starts; later read failures end the stream with a
// stream-error event, which says nothing about the run's own state.
func (w *Watcher) ServeSSE(rw http.ResponseWriter, r *http.Request, id string) error {
	rc := http.NewResponseController(rw)
	// The stream may outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.L.Debug("SSE write deadline not adjustable", "error", err)
	}

	// Fail before the headers go out if the report does not exist.
	if _, err := w.store.Get(r.Context(), id); err != nil {
		return err
	}

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	seq := 0
	send := func(e Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		seq++
		if _, err := fmt.Fprintf(rw, "id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}
	err := w.Watch(r.Context(), id, send)
	switch {
	case err == nil:
	case IsClientGone(err):
		logger.L.Debug("SSE client disconnected", "reportID", id)
	default:
		logger.L.Error("SSE stream aborted", "reportID", id, "error", err)
		_ = send(Event{Type: EventStreamError, Code: models.CodeOf(err), Message: models.PublicMessage(models.CodeOf(err))})
	}
	return nil
}
