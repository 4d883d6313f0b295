package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Checker collects the checks reported by /healthz. Nil checks are skipped.
type Checker struct {
	DBPing     func(ctx context.Context) error
	SourcePing func(ctx context.Context) error
	Depths     func() map[string]int
}

// Handler serves /healthz. Queue depths are informational and never fail the check.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		check := func(key string, ping func(context.Context) error) {
			if ping == nil {
				return
			}
			if err := ping(ctx); err != nil {
				status[key] = "fail"
				code = http.StatusServiceUnavailable
				return
			}
			status[key] = "ok"
		}
		check("db", checker.DBPing)
		check("source", checker.SourcePing)

		if checker.Depths != nil {
			for stream, n := range checker.Depths() {
				status["queue_"+stream] = strconv.Itoa(n)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts the /healthz handler on addr.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
