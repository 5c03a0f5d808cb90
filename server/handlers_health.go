package server

import (
	"errors"
	"net/http"
	"os/exec"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"tools", func() error {
			for _, bin := range []string{h.cfg.YTDLPPath, h.cfg.FFmpegPath, h.cfg.FFprobePath} {
				if bin == "" {
					continue
				}
				if _, err := lookPath(bin); err != nil {
					return err
				}
			}
			return nil
		}},
		{"credentials", func() error {
			// Only follow sync needs a user token.
			if h.cfg.ActorID == "" {
				return nil
			}
			access, refresh, _, _, err := h.store.GetOAuthToken(r.Context(), "twitch")
			if err != nil {
				return err
			}
			if access == "" && refresh == "" {
				return errors.New("missing twitch OAuth token")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
