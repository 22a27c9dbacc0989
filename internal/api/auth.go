package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/antigravity-dev/asanasync/internal/config"
)

// AuthMiddleware guards control endpoints and records an audit trail of
// every attempt to use them.
type AuthMiddleware struct {
	config config.APISecurity
	logger *slog.Logger

	auditMu  sync.Mutex
	auditLog io.WriteCloser
}

// NewAuthMiddleware creates the middleware. When an audit log path is set it
// is written as JSON lines and rotated by size.
func NewAuthMiddleware(cfg config.APISecurity, logger *slog.Logger) *AuthMiddleware {
	am := &AuthMiddleware{config: cfg, logger: logger}
	if cfg.AuditLog != "" {
		am.auditLog = &lumberjack.Logger{
			Filename:   config.ExpandHome(cfg.AuditLog),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     90, // days
		}
	}
	return am
}

// Close closes the audit log.
func (am *AuthMiddleware) Close() error {
	if am.auditLog != nil {
		return am.auditLog.Close()
	}
	return nil
}

// AuditEvent is one audit log entry.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"` // truncated
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
}

func (am *AuthMiddleware) logAuditEvent(event AuditEvent) {
	if am.auditLog == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		am.logger.Error("failed to marshal audit event", "error", err)
		return
	}

	am.auditMu.Lock()
	defer am.auditMu.Unlock()
	if _, err := am.auditLog.Write(append(data, '\n')); err != nil {
		am.logger.Error("failed to write audit event", "error", err)
	}
}

// truncateToken keeps only a short prefix of a token for the audit log.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

// isLocalRequest reports whether the request comes from a loopback or private
// address.
func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// extractToken returns the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.Fields(auth)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func (am *AuthMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.config.AllowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

// isControlEndpoint reports whether the request changes sync state.
func isControlEndpoint(method, path string) bool {
	switch {
	case method == http.MethodPost && (path == "/sync/start" || path == "/sync/cancel"):
		return true
	case method == http.MethodPut && path == "/config":
		return true
	}
	return false
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// RequireAuth wraps next so control endpoints need a local caller or a valid
// bearer token, depending on configuration. Other requests pass through.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isControlEndpoint(r.Method, r.URL.Path) {
			next(w, r)
			return
		}

		start := time.Now()
		event := AuditEvent{
			Timestamp:  start,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.Header.Get("User-Agent"),
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			event.StatusCode = rec.code
			event.Duration = time.Since(start).String()
			am.logAuditEvent(event)
		}()

		if !am.config.Enabled {
			if am.config.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				event.Error = "non-local request rejected (require_local_only=true)"
				writeError(rec, http.StatusForbidden, "access denied: non-local requests not allowed")
				return
			}
			event.Authorized = true
			next(rec, r)
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)
		if !am.isValidToken(token) {
			event.Error = "invalid or missing token"
			rec.Header().Set("WWW-Authenticate", "Bearer")
			writeError(rec, http.StatusUnauthorized, "unauthorized: valid token required")
			return
		}

		event.Authorized = true
		next(rec, r)
	}
}
