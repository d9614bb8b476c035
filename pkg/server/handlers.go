package server

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/pkg/membership"
	"github.com/veilsafe/recoverd/pkg/recovery"
	"github.com/veilsafe/recoverd/pkg/types"
)

// errorResponse is the JSON body of every rejected request.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps a protocol error onto an HTTP status and a machine-readable
// code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, recovery.ErrNotAllowed):
		return http.StatusForbidden, "NOT_ALLOWED"
	case errors.Is(err, recovery.ErrAlreadyConfigured):
		return http.StatusConflict, "ALREADY_CONFIGURED"
	case errors.Is(err, recovery.ErrInvalidThreshold):
		return http.StatusBadRequest, "INVALID_THRESHOLD"
	case errors.Is(err, recovery.ErrNotRecoverable):
		return http.StatusNotFound, "NOT_RECOVERABLE"
	case errors.Is(err, recovery.ErrAlreadyStarted):
		return http.StatusConflict, "ALREADY_STARTED"
	case errors.Is(err, recovery.ErrNotStarted):
		return http.StatusNotFound, "NOT_STARTED"
	case errors.Is(err, recovery.ErrAlreadyApproved):
		return http.StatusConflict, "ALREADY_APPROVED"
	case errors.Is(err, recovery.ErrAlreadyProxied):
		return http.StatusConflict, "ALREADY_PROXIED"
	case errors.Is(err, recovery.ErrSignatureInvalid):
		return http.StatusBadRequest, "SIGNATURE_INVALID"
	case errors.Is(err, recovery.ErrMerkleProofInvalid):
		return http.StatusBadRequest, "MERKLE_PROOF_INVALID"
	case errors.Is(err, recovery.ErrInconsistentProofValue):
		return http.StatusBadRequest, "INCONSISTENT_PROOF_VALUE"
	case errors.Is(err, recovery.ErrOverflow):
		return http.StatusBadRequest, "OVERFLOW"
	case errors.Is(err, recovery.ErrDelayPeriod):
		return http.StatusConflict, "DELAY_PERIOD"
	case errors.Is(err, recovery.ErrUnderThreshold):
		return http.StatusConflict, "UNDER_THRESHOLD"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// signedRequest carries the signer the host front-end authenticated for a
// request body.
type signedRequest struct {
	Signer types.Identity `json:"signer"`
}

type createRecoveryRequest struct {
	signedRequest
	FriendsRoot string `json:"friends_root"` // hex
	Threshold   uint16 `json:"threshold"`
	DelayPeriod uint64 `json:"delay_period"`
}

func (s *Server) handleCreateRecovery(w http.ResponseWriter, r *http.Request) {
	var req createRecoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	root, err := hex.DecodeString(req.FriendsRoot)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "friends_root must be hex"})
		return
	}
	origin := types.SignedOrigin(req.Signer)
	if err := s.svc.CreateRecovery(r.Context(), origin, root, req.Threshold, req.DelayPeriod); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"protected": req.Signer.String()})
}

type initiateRecoveryRequest struct {
	signedRequest
	Lost types.Identity `json:"lost"`
}

func (s *Server) handleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req initiateRecoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	origin := types.SignedOrigin(req.Signer)
	if err := s.svc.InitiateRecovery(r.Context(), origin, req.Lost); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"protected": req.Lost.String(),
		"rescuer":   req.Signer.String(),
	})
}

type approveRecoveryRequest struct {
	signedRequest
	Lost      types.Identity    `json:"lost"`
	Rescuer   types.Identity    `json:"rescuer"`
	Signature types.Signature   `json:"signature"`
	Proof     *membership.Proof `json:"proof"`
}

func (s *Server) handleApproveRecovery(w http.ResponseWriter, r *http.Request) {
	var req approveRecoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Proof == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "proof is required"})
		return
	}
	origin := types.SignedOrigin(req.Signer)
	if err := s.svc.ApproveRecovery(r.Context(), origin, req.Lost, req.Rescuer, req.Signature, req.Proof); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"protected": req.Lost.String(),
		"rescuer":   req.Rescuer.String(),
	})
}

type claimRecoveryRequest struct {
	signedRequest
	Lost types.Identity `json:"lost"`
}

func (s *Server) handleClaimRecovery(w http.ResponseWriter, r *http.Request) {
	var req claimRecoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	origin := types.SignedOrigin(req.Signer)
	if err := s.svc.ClaimRecovery(r.Context(), origin, req.Lost); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"protected": req.Lost.String(),
		"rescuer":   req.Signer.String(),
	})
}

type forwardedCall struct {
	DeclaredCost uint64 `json:"cost"`
	Payload      []byte `json:"payload"`
}

func (c forwardedCall) Cost() uint64 { return c.DeclaredCost }

type asRecoveredRequest struct {
	signedRequest
	Lost types.Identity `json:"lost"`
	Call forwardedCall  `json:"call"`
}

func (s *Server) handleAsRecovered(w http.ResponseWriter, r *http.Request) {
	var req asRecoveredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	origin := types.SignedOrigin(req.Signer)
	if err := s.svc.AsRecovered(r.Context(), origin, req.Lost, req.Call); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"cost": recovery.ForwardCost(req.Call)})
}

type setRecoveredRequest struct {
	Lost    types.Identity `json:"lost"`
	Rescuer types.Identity `json:"rescuer"`
}

func (s *Server) handleSetRecovered(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "NOT_ALLOWED", Message: "admin token required"})
		return
	}
	var req setRecoveredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.SetRecovered(r.Context(), types.RootOrigin(), req.Lost, req.Rescuer); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"protected": req.Lost.String(),
		"rescuer":   req.Rescuer.String(),
	})
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	rescuer, err := types.ParseIdentity(r.PathValue("rescuer"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "invalid rescuer identity"})
		return
	}
	protected, err := s.svc.Proxy(r.Context(), rescuer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"rescuer":   rescuer.String(),
		"protected": protected.String(),
	})
}

// authorizeAdmin checks the bearer token for privileged endpoints. An empty
// configured token disables them.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
