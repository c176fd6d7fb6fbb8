// Package api exposes the upload queue over HTTP: enqueue, queue snapshots,
// cancel/retry, an SSE progress stream, and the logout cleanup hook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forkful/mediaqueue/internal/config"
	"github.com/forkful/mediaqueue/internal/events"
	"github.com/forkful/mediaqueue/internal/files"
	"github.com/forkful/mediaqueue/internal/queue"
)

// Server hosts the daemon's HTTP handlers.
type Server struct {
	cfg      *config.Config
	registry *queue.Registry
	bus      *events.Bus
	server   *http.Server
	once     sync.Once
}

func New(cfg *config.Config, registry *queue.Registry, bus *events.Bus) *Server {
	return &Server{cfg: cfg, registry: registry, bus: bus}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/uploads", s.handleUploads)
		mux.HandleFunc("/uploads/", s.handleUploadRoute)
		mux.HandleFunc("/owners/", s.handleOwnerRoute)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(loggingMiddleware(mux)),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		s.handleStatus(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUploadRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if parts[0] == "events" {
		s.handleEvents(w, r)
		return
	}
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "cancel":
		s.handleCancel(w, r, id)
	case "retry":
		s.handleRetry(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	var (
		ownerID  string
		metadata json.RawMessage
		spooled  *files.Spooled
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "owner":
			val, err := io.ReadAll(io.LimitReader(part, 256))
			part.Close()
			if err != nil {
				http.Error(w, "failed to read owner field", http.StatusBadRequest)
				return
			}
			ownerID = strings.TrimSpace(string(val))
		case "metadata":
			val, err := io.ReadAll(io.LimitReader(part, 64*1024))
			part.Close()
			if err != nil {
				http.Error(w, "failed to read metadata field", http.StatusBadRequest)
				return
			}
			if len(val) > 0 && !json.Valid(val) {
				http.Error(w, "metadata must be valid JSON", http.StatusBadRequest)
				return
			}
			metadata = json.RawMessage(val)
		case "file":
			spoolDir := filepath.Join(s.cfg.DataDir, "spool")
			spooled, err = files.Spool(spoolDir, part, s.cfg.MaxFileSize, part.FileName())
			part.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		default:
			part.Close()
		}
	}
	if ownerID == "" {
		http.Error(w, "missing owner field", http.StatusBadRequest)
		return
	}
	if spooled == nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	mgr := s.registry.GetOrCreate(ownerID)
	taskID, err := mgr.Enqueue(spooled.Path, spooled.ContentType, metadata)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			http.Error(w, "upload queue is full", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": taskID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		http.Error(w, "missing owner parameter", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, s.registry.GetOrCreate(ownerID).Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	mgr, ok := s.managerFor(w, r)
	if !ok {
		return
	}
	if err := mgr.Cancel(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "upload not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	mgr, ok := s.managerFor(w, r)
	if !ok {
		return
	}
	if err := mgr.RetryNow(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "upload not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) managerFor(w http.ResponseWriter, r *http.Request) (*queue.Manager, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		http.Error(w, "missing owner parameter", http.StatusBadRequest)
		return nil, false
	}
	return s.registry.GetOrCreate(ownerID), true
}

// handleEvents bridges the event bus onto an SSE stream. A slow consumer
// drops events at the transport; the bus's non-drop guarantees apply to
// delivery into the stream buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		http.Error(w, "missing owner parameter", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan events.Event, 256)
	cancel := s.bus.Subscribe(ownerID, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			log.Printf("sse: dropping event for slow consumer (owner %s, task %s)", ownerID, ev.TaskID)
		}
	})
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(map[string]interface{}{
				"taskId":   ev.TaskID,
				"attempt":  ev.Attempt,
				"stage":    ev.Stage,
				"progress": ev.Progress,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleOwnerRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := strings.TrimPrefix(r.URL.Path, "/owners/")
	if ownerID == "" || strings.Contains(ownerID, "/") {
		http.NotFound(w, r)
		return
	}
	if !s.registry.Destroy(ownerID) {
		http.Error(w, "owner has uploads in flight", http.StatusConflict)
		return
	}
	if err := s.registry.ClearStore(ownerID); err != nil {
		http.Error(w, "failed to clear queue store", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
