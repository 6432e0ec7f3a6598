package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Stream pushes security alerts to the caller as Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.alerts == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "alert streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.alerts.Subscribe(ctx)

	// комментарий, чтобы клиент сразу получил заголовки
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for alert := range ch {
		payload, err := json.Marshal(alert)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: security_alert\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
