// Package api is the HTTP/JSON adapter: one endpoint accepts every
// command, /health answers liveness probes. The adapter owns token
// extraction, the body-merge rules, the fault-kind to status-code
// mapping and the CORS surface; everything else happens in the engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/runtime"
)

const (
	maxBodyBytes   = 10 << 20
	allowedMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Authorization"
)

// Server serves the command surface of one engine.
type Server struct {
	engine  *runtime.Engine
	limiter *ipLimiter
	logger  *slog.Logger
	httpSrv *http.Server
}

// New builds a server bound to the engine's HTTP configuration.
func New(engine *runtime.Engine) *Server {
	cfg := engine.Config()
	return &Server{
		engine:  engine,
		limiter: newIPLimiter(cfg.HTTP.PerIPRPS, cfg.HTTP.PerIPBurst),
		logger:  slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler, exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleCommand)
	return mux
}

// Start listens on the configured address until Shutdown or failure.
func (s *Server) Start() error {
	addr := s.engine.Config().HTTP.Addr
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	s.logger.Info("http adapter listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": runtime.Version,
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
	h.Set("Access-Control-Allow-Methods", allowedMethods)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		writeJSON(w, http.StatusMethodNotAllowed,
			command.Fail("", fault.Invalid("method %s is not supported", r.Method)))
		return
	}

	requestID := uuid.NewString()
	h.Set("X-Request-ID", requestID)

	client := clientIP(r)
	if !s.limiter.allow(client) {
		resp := command.Fail("", fault.RateLimited(1, "too many requests"))
		h.Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, resp.WithMeta("request_id", requestID))
		return
	}

	action, params, token, err := decodeRequest(w, r)
	if err != nil {
		resp := command.Fail(action, err)
		writeJSON(w, http.StatusBadRequest, resp.WithMeta("request_id", requestID))
		return
	}

	ctx := command.WithRequestMeta(r.Context(), command.RequestMeta{
		RequestID: requestID,
		Client:    client,
		Source:    runtime.SourceHTTP,
	})
	if token != "" {
		ctx = runtime.WithToken(ctx, token)
	}

	resp := s.engine.Execute(ctx, action, params)
	resp.WithMeta("request_id", requestID)

	status := statusFor(resp)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if ra, ok := resp.Meta["retry_after"]; ok {
			h.Set("Retry-After", fmt.Sprint(ra))
		}
	}
	writeJSON(w, status, resp)
}

// decodeRequest applies the merge rules: query parameters first, then a
// JSON body on top (top-level payload preserved verbatim); form bodies
// are absorbed wholesale as the payload parameter. The action comes from
// the `action` parameter, or defaults to `command` when a raw statement
// is supplied. The token is read from Authorization: Bearer, X-API-Key,
// then the token/api_key parameters, which never reach the handler.
func decodeRequest(w http.ResponseWriter, r *http.Request) (string, map[string]any, string, error) {
	params := make(map[string]any)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "application/x-www-form-urlencoded"),
		strings.Contains(contentType, "multipart/form-data"):
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var err error
		if strings.Contains(contentType, "multipart") {
			err = r.ParseMultipartForm(maxBodyBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return "", nil, "", fault.Invalid("form body is not parseable").WithCause(err)
		}
		payload := make(map[string]any, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) == 0 {
				continue
			}
			switch key {
			case "action", "command", "token", "api_key":
				params[key] = values[0]
			default:
				payload[key] = values[0]
			}
		}
		if len(payload) > 0 {
			params["payload"] = payload
		}

	case r.Method != http.MethodGet && r.Body != nil:
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return "", nil, "", fault.Invalid("request body is not readable").WithCause(err)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			body := make(map[string]any)
			if err := dec.Decode(&body); err != nil {
				return "", nil, "", fault.Invalid("request body is not a JSON object").WithCause(err)
			}
			for key, value := range body {
				params[key] = value
			}
		}
	}

	token := bearerToken(r)
	if token == "" {
		token = stringParam(params, "token")
	}
	if token == "" {
		token = stringParam(params, "api_key")
	}
	delete(params, "token")
	delete(params, "api_key")

	action := stringParam(params, "action")
	delete(params, "action")
	if action == "" {
		if _, ok := params["command"]; ok {
			action = "command"
		}
	}
	if action == "" {
		return "", nil, token, fault.Invalid("request names no action and no command statement")
	}
	return action, params, token, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// clientIP strips the port from the remote address; requests without a
// splittable address fall back to the raw value minus IPv6 brackets.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// statusFor maps the envelope's fault kind to the HTTP status. Auth
// refusals branch on the recorded reason: a disabled API is a 503, an
// unusable token a 403, a missing or unknown one a 401.
func statusFor(resp *command.Response) int {
	if !resp.IsError() {
		return http.StatusOK
	}
	switch resp.Kind() {
	case fault.KindInvalidArgument, fault.KindNotFound, fault.KindConflict:
		return http.StatusBadRequest
	case fault.KindAuth:
		switch resp.Meta["reason"] {
		case "api_disabled":
			return http.StatusServiceUnavailable
		case "bootstrap_forbidden", "token_inactive":
			return http.StatusForbidden
		default:
			return http.StatusUnauthorized
		}
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindLockedDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
