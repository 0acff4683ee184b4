package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatlink/internal/loginqr"
	"chatlink/internal/protocol"
	"chatlink/internal/session"
)

const (
	minQRSize   = 64
	maxQRSize   = 1024
	maxBodySize = 64 << 10
)

type restartRequest struct {
	Reason string `json:"reason"`
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type changeResponse struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Get("/qr", s.handleLoginToken)
			r.Get("/qr.png", s.handleLoginTokenImage)
			r.Get("/connected", s.handleConnected)
			r.Get("/history", s.handleHistory)
			r.Get("/artifacts", s.handleArtifacts)
			r.Post("/restart", s.handleRestart)
			r.Post("/logout", s.handleLogout)
		})
		r.Post("/messages", s.handleSendMessage)
		r.Get("/conversations", s.handleListConversations)
	})

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

// writeOperationError maps manager errors onto HTTP responses.
func writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotReady, err.Error())
	default:
		writeError(w, http.StatusBadGateway, protocol.ErrInternal, err.Error())
	}
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.mgr.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"state":    st.State,
		"ready":    st.Ready,
		"degraded": st.Degraded,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusPayload(s.mgr.Status(), ""))
}

func (s *Server) handleLoginToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.mgr.LoginToken()
	if !ok {
		writeError(w, http.StatusNotFound, "NO_LOGIN_TOKEN", "no login token pending")
		return
	}
	writeJSON(w, http.StatusOK, tokenPayload(tok))
}

func (s *Server) handleLoginTokenImage(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.mgr.LoginToken()
	if !ok {
		writeError(w, http.StatusNotFound, "NO_LOGIN_TOKEN", "no login token pending")
		return
	}

	size := loginqr.DefaultSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := loginqr.PNG(tok.Raw, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.mgr.IsConnected(r.Context())})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	changes := s.mgr.History()
	resp := make([]changeResponse, 0, len(changes))
	for _, c := range changes {
		resp = append(resp, changeResponse{From: string(c.From), To: string(c.To), Reason: c.Reason, At: c.At})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	withTree := r.URL.Query().Get("tree") != "false"
	writeJSON(w, http.StatusOK, s.artifactsPayload(withTree))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if len(req.Reason) > protocol.MaxReasonLength {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "reason too long")
		return
	}
	if req.Reason == "" {
		req.Reason = "requested over http"
	}

	started := s.mgr.Restart(req.Reason)
	writeJSON(w, http.StatusAccepted, protocol.RestartAcceptedPayload{Started: started})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	started := s.mgr.Logout(r.Context())
	writeJSON(w, http.StatusAccepted, protocol.RestartAcceptedPayload{Started: started})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "to and body are required")
		return
	}

	receipt, err := s.mgr.SendMessage(r.Context(), req.To, req.Body)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.mgr.ListConversations(r.Context())
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}
