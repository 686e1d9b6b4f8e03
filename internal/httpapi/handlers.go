package httpapi

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/storage"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type revokeResponse struct {
	Revoked int64 `json:"revoked"`
}

type errorResponse struct {
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "method not allowed"))
		return
	}

	keys, err := s.keys.PublishableKeySet(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	response := jwksResponse{Keys: make([]jwk, 0, len(keys))}
	for _, key := range keys {
		if len(key.Public) != ed25519.PublicKeySize {
			continue
		}
		response.Keys = append(response.Keys, jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: key.Kid,
			Alg: key.Algorithm,
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(key.Public),
		})
	}

	// Caches must refresh well inside the overlap window so validators
	// learn about an incoming key before the outgoing one retires.
	maxAge := int64(s.cfg.KeyOverlap.Seconds() / 2)
	if maxAge < 1 {
		maxAge = 1
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "method not allowed"))
		return
	}

	var request tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	request.Username = strings.TrimSpace(request.Username)
	request.DeviceID = strings.TrimSpace(request.DeviceID)
	if request.Username == "" || request.Password == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "username and password are required"))
		return
	}
	if request.DeviceID == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "device id is required"))
		return
	}

	userID, err := s.verifier.Verify(r.Context(), request.Username, request.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	access, credential, ttl, err := s.tokens.IssueRefreshPair(r.Context(), userID, request.DeviceID, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: credential.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl.Seconds()),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "method not allowed"))
		return
	}

	var request refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if strings.TrimSpace(request.RefreshToken) == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "refresh token is required"))
		return
	}

	access, credential, ttl, err := s.tokens.RotateRefresh(r.Context(), request.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: credential.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl.Seconds()),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "method not allowed"))
		return
	}

	var request revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}

	target := storage.RevokeTarget{
		UserID:   strings.TrimSpace(request.UserID),
		DeviceID: strings.TrimSpace(request.DeviceID),
	}
	if presented := strings.TrimSpace(request.RefreshToken); presented != "" {
		jti, _, _ := strings.Cut(presented, ".")
		target = storage.RevokeTarget{JTI: jti}
	}
	if target.JTI == "" && target.UserID == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "a refresh token or user id is required"))
		return
	}

	affected, err := s.revoker.Revoke(r.Context(), target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: affected})
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeInternal
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{
		ErrorKind:     string(code),
		Message:       message,
		CorrelationID: correlationID(r.Context()),
	})
}
