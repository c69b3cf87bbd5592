// main.go
// In main.go we wire everything together: load the config, build the chat service,
// route websocket upgrades to it, serve health and stats over httprouter, and
// dispose every connection on SIGINT/SIGTERM.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"realtime-chat/internal/config"
	"realtime-chat/internal/socket"

	"github.com/julienschmidt/httprouter"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML config file")
		addr       = flag.String("addr", "", "listen address (overrides server.addr)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	svc := socket.NewService(cfg.Chat.Path,
		socket.WithLogger(logger),
		socket.WithBufferSize(cfg.Socket.BufferSize),
		socket.WithMaxMessageSize(cfg.Socket.MaxMessageSize),
		socket.WithBroadcastConcurrency(cfg.Socket.BroadcastConcurrency),
		socket.WithCloseTimeout(cfg.Socket.CloseTimeout),
	)
	NewChatManager(svc, cfg.Chat.Token, logger)

	router := socket.NewRouter(newUpgrader(cfg), logger)
	if err := router.Handle(svc); err != nil {
		logger.Error("register service", "error", err)
		os.Exit(1)
	}
	router.SetNext(newAPI(svc))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting server",
			"addr", cfg.Server.Addr,
			"path", cfg.Chat.Path,
			"transport", cfg.Socket.Transport)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := router.Shutdown(ctx); err != nil {
		logger.Error("socket shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func newUpgrader(cfg *config.Config) socket.Upgrader {
	limit := int64(cfg.Socket.MaxMessageSize)
	if cfg.Socket.Transport == config.TransportFrame {
		return socket.FrameUpgrader{ReadLimit: limit}
	}
	up := socket.NewGorillaUpgrader(1024, 1024)
	up.ReadLimit = limit
	return up
}

// newAPI serves the plain HTTP endpoints next to the websocket routes.
func newAPI(svc *socket.Service) http.Handler {
	api := httprouter.New()

	api.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		status := http.StatusOK
		if svc.Disposed() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"disposed": svc.Disposed()})
	})

	api.GET("/stats", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{
			"path":        svc.Path(),
			"connections": svc.Len(),
		})
	})

	return api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
