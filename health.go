package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type HealthResponse struct {
	Node            string   `json:"node"`
	Backend         string   `json:"backend"`
	BackendOK       bool     `json:"backend_ok"`
	BackendErr      string   `json:"backend_error,omitempty"`
	Groups          []string `json:"groups"`
	PendingCommands int      `json:"pending_commands"`
}

func healthHandler(n *node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		resp := HealthResponse{
			Node:            n.registry.LocalNode().ID,
			Backend:         n.backend.Name(),
			BackendOK:       true,
			Groups:          []string{},
			PendingCommands: n.commands.Pending().Len(),
		}
		if err := n.backend.Ping(ctx); err != nil {
			resp.BackendOK = false
			resp.BackendErr = err.Error()
		} else if groups, err := n.registry.ListLocalGroups(ctx); err == nil {
			for _, g := range groups {
				resp.Groups = append(resp.Groups, g.Name)
			}
		}

		status := http.StatusOK
		if !resp.BackendOK {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})
}

func runHealthCheckServer(ctx context.Context, n *node) error {
	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(n))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    n.conf.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) // graceful shutdown
	}()

	n.log.Info("listening", zap.String("address", srv.Addr))
	return srv.ListenAndServe()
}
