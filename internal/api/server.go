// Package api exposes the admission endpoint that feeds URLs into a
// running crawl.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Enqueuer admits one URL into the crawl frontier. It must be safe for
// use concurrently with the engine's own writes.
type Enqueuer interface {
	Enqueue(url string) bool
}

// Server is the admission HTTP listener.
type Server struct {
	enqueuer Enqueuer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(enqueuer Enqueuer, logger *slog.Logger) *Server {
	s := &Server{
		enqueuer: enqueuer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/enqueue", s.handleEnqueue)
	s.mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var raw string
	switch r.Method {
	case http.MethodGet:
		raw = r.URL.Query().Get("url")
	case http.MethodPost:
		raw = extractPostedURL(r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || !s.enqueuer.Enqueue(raw) {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	s.logger.Info("url admitted", "url", raw)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "queued\n")
}

// extractPostedURL accepts a form field, a JSON object, or a bare URL body.
func extractPostedURL(r *http.Request) string {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err == nil {
			if u := r.PostForm.Get("url"); u != "" {
				return u
			}
		}
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			return payload.URL
		}
		return ""
	}
	if strings.HasPrefix(trimmed, "url=") {
		if values, err := parseFormBody(trimmed); err == nil {
			return values
		}
		return ""
	}
	if strings.HasPrefix(trimmed, "http") {
		return trimmed
	}
	return ""
}

func parseFormBody(body string) (string, error) {
	rest := strings.TrimPrefix(body, "url=")
	if idx := strings.Index(rest, "&"); idx >= 0 {
		rest = rest[:idx]
	}
	decoded, err := url.QueryUnescape(rest)
	if err != nil {
		return "", err
	}
	return decoded, nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, bindAddress string, port int) error {
	addr := net.JoinHostPort(bindAddress, fmt.Sprintf("%d", port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("admission endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admission endpoint: %w", err)
	}
}
