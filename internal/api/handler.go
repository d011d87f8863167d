// Package api hosts the freshell HTTP surface: the WebSocket protocol
// endpoint and the read-only REST control plane. Each WebSocket connection
// runs its own state machine (unauthenticated -> authenticated -> closed);
// terminal state is only ever touched through the registry.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freshell/freshell/internal/claude"
	"github.com/freshell/freshell/internal/layout"
	"github.com/freshell/freshell/internal/terminal"
)

// Options tunes the handler.
type Options struct {
	// Token is the shared credential checked by hello and the REST routes.
	// Empty disables authentication.
	Token string
	// CreateRateMax creations are allowed per connection per CreateRateWindow.
	CreateRateMax    int
	CreateRateWindow time.Duration
}

// Handler serves /ws and the REST read endpoints.
type Handler struct {
	registry *terminal.Registry
	bridge   *claude.Bridge
	layout   *layout.Store
	opts     Options
	gate     *rebindGate
}

func NewHandler(registry *terminal.Registry, bridge *claude.Bridge, layoutStore *layout.Store, opts Options) *Handler {
	if opts.CreateRateMax <= 0 {
		opts.CreateRateMax = 10
	}
	if opts.CreateRateWindow <= 0 {
		opts.CreateRateWindow = 10 * time.Second
	}
	return &Handler{
		registry: registry,
		bridge:   bridge,
		layout:   layoutStore,
		opts:     opts,
		gate:     newRebindGate(),
	}
}

// Mount attaches all routes to r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws", h.handleWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/terminals", h.handleListTerminals)
		r.Get("/terminals/{terminalID}", h.handleGetTerminal)
		r.Get("/terminals/{terminalID}/scrollback", h.handleScrollback)
		r.Get("/tabs", h.handleListTabs)
	})
}

// requireToken guards the REST routes with the same shared credential the
// WebSocket handshake uses.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if got != h.opts.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	records := h.registry.List()
	infos := make([]terminal.Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": infos})
}

func (h *Handler) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.registry.Get(chi.URLParam(r, "terminalID"))
	if !ok {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec.Info())
}

// handleScrollback returns the full capture buffer. Works after exit too;
// records are retained.
func (h *Handler) handleScrollback(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.registry.Get(chi.URLParam(r, "terminalID"))
	if !ok {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}
	data, truncated := rec.ScrollbackSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"terminalId": rec.ID,
		"data":       data,
		"truncated":  truncated,
	})
}

func (h *Handler) handleListTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tabs": h.layout.ListTabs()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

// PrepareForRebind pauses new WebSocket upgrades and outbound broadcasting.
// Queued frames stay queued; nothing is dropped.
func (h *Handler) PrepareForRebind() {
	h.gate.pause()
}

// ResumeAfterRebind lifts the pause. Idempotent.
func (h *Handler) ResumeAfterRebind() {
	h.gate.resume()
}

// Rebind runs fn between PrepareForRebind and ResumeAfterRebind; the resume
// happens even when fn fails.
func (h *Handler) Rebind(fn func() error) error {
	h.PrepareForRebind()
	defer h.ResumeAfterRebind()
	return fn()
}

// rebindGate pauses writers while a host/port rebind is in flight.
type rebindGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newRebindGate() *rebindGate {
	g := &rebindGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *rebindGate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *rebindGate) resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks while the gate is paused.
func (g *rebindGate) wait() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *rebindGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
