// Command event-receiver is a development endpoint for the webhook events
// sink. It decodes each triage event, logs a summary and acknowledges it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/firemate/triage/internal/events"
	"github.com/firemate/triage/internal/redact"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for the event receiver")
	flag.Parse()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(newReceiver()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	redact.Logf("event receiver listening on %s (POST JSON to /events)...", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		redact.Fatalf("receiver error: %v", err)
	}
}

// receiver remembers delivered event ids so webhook retries are
// acknowledged without being logged twice.
type receiver struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newReceiver() *receiver {
	return &receiver{seen: make(map[string]struct{})}
}

func newRouter(rc *receiver) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events", rc.handle).Methods(http.MethodPost)
	r.HandleFunc("/", rc.handle).Methods(http.MethodPost)
	return r
}

func (rc *receiver) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.IncidentID == "" {
		http.Error(w, "not a triage event", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = ev.ID
	}
	rc.mu.Lock()
	_, dup := rc.seen[key]
	rc.seen[key] = struct{}{}
	rc.mu.Unlock()

	if !dup {
		redact.WithFields(logrus.Fields{
			"incident_id": ev.IncidentID,
			"analysis_id": ev.AnalysisID,
			"reason":      string(ev.Reason),
			"policy":      ev.Policy,
			"overall":     ev.OverallScore,
			"from":        ev.Transition.From,
			"to":          ev.Transition.To,
			"failed":      ev.FailedModalities(),
		}).Info("received triage event")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","duplicate":%t}`+"\n", dup)
}
