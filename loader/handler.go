package loader

import (
	"context"
	"io"
	"net/http"
)

// Runner is what the HTTP handler triggers.
type Runner interface {
	Run(ctx context.Context) Result
}

// NewHandler serves the trigger endpoint. POST / runs one invocation and
// always answers 200 "ok". The outcome only reaches the reporters.
func NewHandler(runner Runner) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("sink-error-loader is running"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)

		// the run is not tied to the caller's connection
		runner.Run(context.WithoutCancel(r.Context()))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
