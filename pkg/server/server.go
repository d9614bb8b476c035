// Package server exposes the recovery service over HTTP. It is a thin shim:
// origin authentication belongs to the host front-end, so signed operations
// take the authenticated signer from the request body and privileged
// operations require the configured admin bearer token.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/veilsafe/recoverd/pkg/recovery"
)

// Server handles the HTTP endpoints of the recovery protocol.
type Server struct {
	svc        *recovery.Service
	adminToken string
	logger     *slog.Logger
}

// New creates a server for the given service.
func New(svc *recovery.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	cfg := applyOptions(opts...)
	return &Server{
		svc:        svc,
		adminToken: cfg.adminToken,
		logger:     cfg.logger,
	}, nil
}

// Register installs the protocol routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recovery/config", s.handleCreateRecovery)
	mux.HandleFunc("POST /v1/recovery/initiate", s.handleInitiateRecovery)
	mux.HandleFunc("POST /v1/recovery/approve", s.handleApproveRecovery)
	mux.HandleFunc("POST /v1/recovery/claim", s.handleClaimRecovery)
	mux.HandleFunc("POST /v1/recovery/as-recovered", s.handleAsRecovered)
	mux.HandleFunc("POST /v1/admin/set-recovered", s.handleSetRecovered)
	mux.HandleFunc("GET /v1/proxy/{rescuer}", s.handleGetProxy)
}
