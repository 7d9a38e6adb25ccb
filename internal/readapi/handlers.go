package readapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/craftedclimate/telemetry/internal/flush"
	"github.com/craftedclimate/telemetry/internal/liveness"
)

// Router exposes the operational surface: health, aggregate liveness, the
// last flush summary, and the derived read operations. Authentication and
// the public API proper live in a separate service.
func Router(svc *Service, monitor *liveness.Monitor, flusher *flush.Flusher) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		report, err := monitor.Report(r.Context())
		if err != nil {
			http.Error(w, "failed to build liveness report", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"liveness":   report,
			"last_flush": flusher.LastSummary(),
		})
	})

	router.Get("/devices/{auid}/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := monitor.Status(r.Context(), chi.URLParam(r, "auid"))
		if err != nil {
			http.Error(w, "failed to resolve device status", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": status})
	})

	router.Get("/devices/{auid}/readings", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 25, 250)

		readings, err := svc.LatestReadings(r.Context(), chi.URLParam(r, "auid"), limit)
		if err != nil {
			http.Error(w, "failed to load readings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"readings": readings})
	})

	router.Get("/devices/{auid}/readings/range", func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		from, to = ReadingWindow(from, to)

		readings, err := svc.Range(r.Context(), chi.URLParam(r, "auid"), from, to)
		if err != nil {
			http.Error(w, "failed to load readings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"readings": readings, "from": from, "to": to})
	})

	router.Get("/public/latest", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 25, 100)

		results, err := svc.LatestPublic(r.Context(), limit)
		if err != nil {
			http.Error(w, "failed to load public readings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"devices": results})
	})

	return router
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def, max int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 || parsed > max {
		return def
	}
	return parsed
}
