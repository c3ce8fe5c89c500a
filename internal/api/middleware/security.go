package middleware

import (
	"net/http"
	"slices"
	"strings"
	"unicode"

	"github.com/squadklaw/squadklaw/internal/models"
)

// HeaderProtocol advertises the protocol version on every response.
const HeaderProtocol = "X-Squadklaw-Protocol"

var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":             "no-store",
	HeaderProtocol:              models.ProtocolVersion,
}

// SecurityHeaders sets the fixed response headers of both the directory
// and agent endpoints.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize rejects declared bodies over maxBytes up front and caps the
// rest while they are read.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

var bodyMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

var suspiciousPatterns = []string{
	"..",
	"//",
	"<script",
	"javascript:",
	"vbscript:",
	"onload=",
	"onerror=",
}

// ValidateRequest requires JSON bodies and turns away paths, queries and
// identity headers carrying traversal, script or control characters.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(bodyMethods, r.Method) && r.ContentLength != 0 {
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				jsonError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
				return
			}
		}

		if suspicious(r.URL.Path) || suspicious(r.URL.RawQuery) || suspicious(r.Header.Get(HeaderAgent)) {
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func suspicious(input string) bool {
	if input == "" {
		return false
	}
	if strings.ContainsFunc(input, unicode.IsControl) {
		return true
	}
	lower := strings.ToLower(input)
	return slices.ContainsFunc(suspiciousPatterns, func(p string) bool {
		return strings.Contains(lower, p)
	})
}
