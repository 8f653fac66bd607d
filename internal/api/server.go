// Package api serves the enforcement layer over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/coal/shieldwall/internal/csp"
	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/proxy"
	"github.com/coal/shieldwall/internal/ratelimit"
	"github.com/coal/shieldwall/internal/sanitizer"
)

// CSPReportPath receives browser violation reports.
const CSPReportPath = "/csp-report"

// Server wires the HTTP routes.
type Server struct {
	pipe     *pipeline.Pipeline
	monitor  *monitor.Monitor
	reporter *csp.Reporter
	logger   zerolog.Logger

	adminToken        string
	trustClientHeader bool
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken enables the routes that reset limiter state and clear
// events for requests carrying "Authorization: Bearer <token>".
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithTrustedClientHeader keys rate limits on proxy.ClientHeader instead of
// the remote host.
func WithTrustedClientHeader(trust bool) Option {
	return func(s *Server) { s.trustClientHeader = trust }
}

// New creates a Server.
func New(pipe *pipeline.Pipeline, reporter *csp.Reporter, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		pipe:     pipe,
		monitor:  pipe.Monitor(),
		reporter: reporter,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("POST /api/sanitize", s.limited(ratelimit.ActionAPICall, http.HandlerFunc(s.handleSanitize)))
	mux.Handle("POST /api/validate", s.limited(ratelimit.ActionAPICall, http.HandlerFunc(s.handleValidate)))
	mux.HandleFunc("POST /api/escape", s.handleEscape)
	mux.HandleFunc("POST /api/strip", s.handleStrip)
	mux.Handle("POST /api/uploads/check", s.limited(ratelimit.ActionFileUpload, http.HandlerFunc(s.handleUpload)))

	mux.HandleFunc("POST /api/ratelimit/check", s.handleAdmit)
	mux.HandleFunc("GET /api/ratelimit", s.handleRateLimitStatus)
	mux.Handle("DELETE /api/ratelimit", s.admin(http.HandlerFunc(s.handleRateLimitReset)))

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("DELETE /api/events", s.admin(http.HandlerFunc(s.handleClearEvents)))
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/export", s.handleExport)

	mux.HandleFunc("GET /api/csp", s.handleCSP)
	mux.HandleFunc("GET /api/csp/export", s.handleCSPExport)
	mux.Handle(CSPReportPath, s.limited(ratelimit.ActionCSPReport, s.reporter.Handler()))

	var h http.Handler = mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	})(h)
	h = hlog.RemoteAddrHandler("remote")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

// limited admits a request under action, keyed by client.
func (s *Server) limited(action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ar := s.pipe.Admit(action, proxy.ClientID(r, s.trustClientHeader))
		if !ar.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(ar.RetryAfter, 10))
			writeError(w, http.StatusTooManyRequests, fmt.Errorf("%w: please wait %d seconds before trying again", ratelimit.ErrRateLimited, ar.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errAdminDisabled is returned by admin routes when no token is configured.
var errAdminDisabled = errors.New("admin routes are disabled")

// admin requires the configured bearer token.
func (s *Server) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, errAdminDisabled)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("admin request rejected")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req SanitizeRequest
	if !decode(w, r, &req) {
		return
	}
	var sp *sanitizer.Policy
	if req.Policy != "" {
		sp, _ = sanitizer.ByName(req.Policy)
	}
	writeJSON(w, http.StatusOK, s.pipe.Render(req.Content, req.Source, sp))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Validate(req.Field, req.Content))
}

func (s *Server) handleEscape(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": sanitizer.EscapeText(req.Content)})
}

func (s *Server) handleStrip(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": sanitizer.StripToText(req.Content)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.CheckUpload(req.FileName, req.Size, req.MIMEType))
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Admit(req.Action, req.Identifier))
}

// RateLimitStatus is the read-only view of one limiter key.
type RateLimitStatus struct {
	Action     string           `json:"action"`
	Identifier string           `json:"identifier"`
	Configured bool             `json:"configured"`
	Config     ratelimit.Config `json:"config"`
	Remaining  uint             `json:"remaining"`
	ResetAt    time.Time        `json:"reset_at"`
	Blocked    bool             `json:"blocked"`
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	lim := s.pipe.Limiter()
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		identifier = ratelimit.DefaultIdentifier
	}

	actions := lim.Actions()
	if a := r.URL.Query().Get("action"); a != "" {
		actions = []string{a}
	}

	out := make([]RateLimitStatus, 0, len(actions))
	for _, action := range actions {
		cfg, ok := lim.Config(action)
		st := RateLimitStatus{
			Action:     action,
			Identifier: identifier,
			Configured: ok,
			Config:     cfg,
			Remaining:  lim.Remaining(action, identifier),
			ResetAt:    lim.ResetTime(action, identifier),
		}
		if e, ok := lim.Snapshot(action, identifier); ok {
			st.Blocked = e.Blocked
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	if action == "" {
		s.pipe.Limiter().ClearAll()
	} else {
		s.pipe.Limiter().Reset(action, r.URL.Query().Get("identifier"))
	}
	hlog.FromRequest(r).Info().Str("action", action).Msg("rate limit state reset")
	w.WriteHeader(http.StatusNoContent)
}

// ParseFilter reads type, severity and since query parameters.
func ParseFilter(r *http.Request) (monitor.Filter, error) {
	var f monitor.Filter
	q := r.URL.Query()

	if v := q.Get("type"); v != "" {
		t, err := monitor.ParseType(v)
		if err != nil {
			return f, err
		}
		f.Type = &t
	}
	if v := q.Get("severity"); v != "" {
		sev, err := monitor.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.Severity = &sev
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
		f.Since = t
	}
	return f, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Events(f))
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("before")
	if v == "" {
		n := s.monitor.Len()
		s.monitor.Clear()
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
		return
	}
	before, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("before: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.monitor.ClearBefore(before)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Statistics())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	attachment(w, "security-events")
	if err := s.monitor.Export(w); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("exporting security events")
	}
}

func (s *Server) handleCSP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Violations []csp.Violation `json:"violations"`
		Statistics csp.Statistics  `json:"statistics"`
	}{s.reporter.Violations(), s.reporter.Statistics()})
}

func (s *Server) handleCSPExport(w http.ResponseWriter, r *http.Request) {
	attachment(w, "csp-violations")
	if err := s.reporter.Export(w); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("exporting csp violations")
	}
}

func attachment(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.json"`, name, time.Now().UTC().Format("20060102T150405Z")))
}

// decode reads and validates a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*maxContentBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		if !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return false
		}
	}
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
