package devstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// policyPollInterval is how often Server re-reads Store's policy row and
// checks whether it changed, for the purpose of pushing a fresh frame down
// an open /api/v1/policy stream.
const policyPollInterval = 2 * time.Second

// Server answers the same three RPCs and policy stream the production
// control plane does (§6), against a Store instead of a real backing
// service. It is wired only from the "rowguard devserver" command, never
// from "rowguard start".
type Server struct {
	Store  *Store
	Logger *slog.Logger
}

// Handler returns an http.Handler implementing /api/v1/auth,
// /api/v1/data_source, /api/v1/integration_config, and /api/v1/policy —
// the exact paths internal/adapter/outbound/controlplane.Client calls.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth", s.handleAuth)
	mux.HandleFunc("/api/v1/data_source", s.handleDataSource)
	mux.HandleFunc("/api/v1/integration_config", s.handleIntegrationConfig)
	mux.HandleFunc("/api/v1/policy", s.handlePolicyStream)
	return mux
}

type authRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type authResponse struct {
	Groups      []string `json:"groups"`
	ExpiresAt   int64    `json:"expires_at"`
	Passthrough bool     `json:"passthrough"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	result, err := s.Store.Authenticate(r.Context(), req.User, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.Logger.Error("devstore auth failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Groups:      result.Groups,
		ExpiresAt:   result.ExpiresAt,
		Passthrough: result.Passthrough,
	})
}

func (s *Server) handleDataSource(w http.ResponseWriter, r *http.Request) {
	name, err := s.Store.DataSourceName(r.Context())
	if err != nil {
		s.Logger.Error("devstore data source lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_source_name": name})
}

func (s *Server) handleIntegrationConfig(w http.ResponseWriter, r *http.Request) {
	name, err := s.Store.IntegrationConfigName(r.Context())
	if err != nil {
		s.Logger.Error("devstore integration config lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handlePolicyStream writes one newline-delimited JSON frame immediately
// with whatever policy is currently seeded, then polls Store for changes
// and writes a fresh frame whenever the bytes differ, until the client
// disconnects.
func (s *Server) handlePolicyStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	var last []byte
	sent := false
	ticker := time.NewTicker(policyPollInterval)
	defer ticker.Stop()

	for {
		bytecode, err := s.Store.PolicyBytes(ctx)
		if err != nil {
			s.Logger.Error("devstore policy read failed", "error", err)
			return
		}
		if !sent || !bytes.Equal(bytecode, last) {
			if err := writeFrame(w, bytecode); err != nil {
				return
			}
			flusher.Flush()
			last = bytecode
			sent = true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeFrame(w http.ResponseWriter, wasmBytecode []byte) error {
	frame := map[string][]byte{"wasm_byte_code": wasmBytecode}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("devstore: marshal policy frame: %w", err)
	}
	_, err = w.Write(append(encoded, '\n'))
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run binds addr and serves Handler until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("devstore: serve %s: %w", addr, err)
	}
}
