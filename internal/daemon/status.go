package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/istota/istota/internal/store"
	"github.com/istota/istota/internal/worker"
)

// statusServer is the optional read-only operator surface.
type statusServer struct {
	srv   *http.Server
	store *store.Store
	pool      *worker.Pool
	startedAt time.Time
}

func newStatusServer(addr string, st *store.Store, pool *worker.Pool) *statusServer {
	s := &statusServer{store: st, pool: pool, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *statusServer) start() {
	go func() {
		slog.Info("status endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status endpoint failed", "error", err)
		}
	}()
}

func (s *statusServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func (s *statusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	type queueCounts struct {
		Pending int `json:"pending"`
		Running int `json:"running"`
	}
	counts := func(status store.TaskStatus) int {
		tasks, err := s.store.ListTasks(r.Context(), store.ListFilter{Status: status})
		if err != nil {
			return -1
		}
		return len(tasks)
	}

	fg, bg := s.pool.ActiveWorkers()
	body := map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"workers": map[string]int{
			"foreground": fg,
			"background": bg,
		},
		"tasks": queueCounts{
			Pending: counts(store.TaskPending),
			Running: counts(store.TaskRunning),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
