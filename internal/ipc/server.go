package ipc

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Server wraps an HTTP server with protocol-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewRouter registers every endpoint on a fresh mux.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Protocol endpoints.
	mux.HandleFunc("GET /api/v1/protocol", h.GetProtocol)
	mux.HandleFunc("POST /api/v1/protocol/artifacts", h.AddArtifacts)
	mux.HandleFunc("POST /api/v1/protocol/resolve", h.Resolve)

	// Ledger endpoints.
	mux.HandleFunc("GET /api/v1/ledger", h.ListDecisions)
	mux.HandleFunc("GET /api/v1/ledger/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/ledger/events/stream", h.StreamEvents)

	mux.HandleFunc("GET /metrics", h.ServeMetrics)

	return corsMiddleware(mux)
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Serve accepts connections on l. Blocks until the server stops.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
