package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// NormalizeListen turns a listen value into a host:port address. A bare port
// ("8080" or ":8080") binds localhost; empty input disables the listener.
func NormalizeListen(listen string) string {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return ""
	}
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	if !strings.Contains(listen, ":") {
		return "127.0.0.1:" + listen
	}
	return listen
}

// StartServer binds a /healthz endpoint on addr. The returned server is
// already serving; the caller owns its Shutdown.
func StartServer(ctx context.Context, logger *slog.Logger, addr, component string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"component": component,
		})
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			if logger != nil {
				logger.Warn(component+"_health_server_error", "addr", addr, "error", serveErr.Error())
			}
		}
	}()
	if logger != nil {
		logger.Info(component+"_health_server_started", "addr", addr)
	}
	return srv, nil
}
