// router.go
// Router picks the service for an upgrade request by path, applies the service's
// authorization and hands the upgraded transport to Service.Accept.

package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Upgrader turns an HTTP request into a live transport.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error)
}

// Router maps request paths to services.
type Router struct {
	upgrader Upgrader
	logger   *slog.Logger
	next     http.Handler

	mu       sync.RWMutex
	services map[string]*Service
}

// NewRouter creates a router. A nil upgrader means gorilla with 1 KiB buffers.
func NewRouter(upgrader Upgrader, logger *slog.Logger) *Router {
	if upgrader == nil {
		upgrader = NewGorillaUpgrader(1024, 1024)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		upgrader: upgrader,
		logger:   logger,
		services: make(map[string]*Service),
	}
}

// SetNext sets the handler for requests that are not websocket upgrades.
func (rt *Router) SetNext(next http.Handler) { rt.next = next }

// Handle registers svc under its path. Paths match case-insensitively.
func (rt *Router) Handle(svc *Service) error {
	key := strings.ToLower(svc.Path())

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.services[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, svc.Path())
	}
	rt.services[key] = svc
	return nil
}

// Service returns the service registered for path.
func (rt *Router) Service(path string) (*Service, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	svc, ok := rt.services[strings.ToLower(path)]
	return svc, ok
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if rt.next != nil {
			rt.next.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	logger := rt.logger.With("path", r.URL.Path, "remote_addr", r.RemoteAddr)
	logger.Debug("websocket request received")

	svc, ok := rt.Service(r.URL.Path)
	if !ok {
		logger.Info("no service for path")
		http.NotFound(w, r)
		return
	}

	if svc.Disposed() {
		logger.Error("service disposed")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	allowed, err := svc.Authorize(r)
	if err != nil {
		logger.Error("authorize failed", "error", err)
		svc.events.dispatchError(r.Context(), ErrorEvent{Err: &HandlerError{Event: "authorize", Err: err}})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		logger.Info("request unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	transport, err := rt.upgrader.Upgrade(w, r)
	if err != nil {
		// The upgrader has already written the HTTP error.
		logger.Error("upgrade failed", "error", err)
		return
	}

	if err := svc.Accept(r.Context(), transport); err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			logger.Warn("service disposed during upgrade")
			return
		}
		logger.Error("accept failed", "error", err)
	}
}

// Shutdown shuts every registered service down and waits for their read loops.
func (rt *Router) Shutdown(ctx context.Context) error {
	rt.mu.RLock()
	services := make([]*Service, 0, len(rt.services))
	for _, svc := range rt.services {
		services = append(services, svc)
	}
	rt.mu.RUnlock()

	var errs []error
	for _, svc := range services {
		if err := svc.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
