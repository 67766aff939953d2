package framemonitor

import (
	"encoding/json"
	"io"
	"net/http"
)

// DebugHandler returns an HTTP handler that streams m's Events as
// server-sent events. Every request gets the event stream; no query
// parameter is consulted.
func DebugHandler(m *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		c := make(chan Event, 32)
		stop := m.Subscribe(c)
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		io.WriteString(w, "event: init\ndata: connected\n\n")
		f.Flush()

		e := json.NewEncoder(w)
		for {
			select {
			case ev := <-c:
				io.WriteString(w, "event: frame\ndata: ")
				e.Encode(ev)
				io.WriteString(w, "\n")
				f.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
