package gateway

import (
	"net/http"
	"strings"
)

// SecurityConfig holds configuration for security middleware
type SecurityConfig struct {
	// EnableFrameOptions enables X-Frame-Options header
	EnableFrameOptions bool
	// EnableContentTypeOptions enables X-Content-Type-Options header
	EnableContentTypeOptions bool
	// ReferrerPolicy is the Referrer-Policy header value
	ReferrerPolicy string
	// MaxBodyBytes caps request bodies on internal routes (0 = unlimited)
	MaxBodyBytes int64
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EnableFrameOptions:       true,
		EnableContentTypeOptions: true,
		ReferrerPolicy:           "no-referrer",
		MaxBodyBytes:             1 << 20, // 1MB
	}
}

// SecurityMiddleware adds security headers to all responses
func SecurityMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.EnableFrameOptions {
				w.Header().Set("X-Frame-Options", "DENY")
			}

			if config.EnableContentTypeOptions {
				w.Header().Set("X-Content-Type-Options", "nosniff")
			}

			if config.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", config.ReferrerPolicy)
			}

			// Balances must never be cached by intermediaries
			if strings.HasPrefix(r.URL.Path, "/internal/") {
				w.Header().Set("Cache-Control", "no-store")
				if config.MaxBodyBytes > 0 {
					r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON rejects write requests that declare a non-JSON body
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				http.Error(w, `{"error":{"message":"Content-Type must be application/json","type":"invalid_request_error"}}`, http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
