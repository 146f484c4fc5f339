package web

import (
	"context"
	"net/http"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and
// dependencies. leds or motors may be nil.
func NewServer(addr string, broadcaster *StatusBroadcaster, leds Leds, motors Motors) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, leds, motors),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/led/constant", s.handlers.HandleLedConstant)
	mux.HandleFunc("POST /api/led/breathe", s.handlers.HandleLedBreathe)
	mux.HandleFunc("POST /api/led/morse", s.handlers.HandleLedMorse)
	mux.HandleFunc("POST /api/led/wink", s.handlers.HandleLedWink)
	mux.HandleFunc("POST /api/led/blink", s.handlers.HandleLedBlink)
	mux.HandleFunc("POST /api/led/scale", s.handlers.HandleLedScale)
	mux.HandleFunc("POST /api/motor/move", s.handlers.HandleMotorMove)
	mux.HandleFunc("POST /api/motor/rest", s.handlers.HandleMotorRest)
	mux.HandleFunc("POST /api/motor/calibrate", s.handlers.HandleMotorCalibrate)
	mux.HandleFunc("GET /api/status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)

	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	debug.Info("web server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Mux())
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
