// Package cors applies the cross-origin policy shared by the API and the
// front-end apps.
package cors

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
)

// ParseOrigins splits a comma separated CORS_ALLOWED_ORIGINS value.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// WithCors wraps h so that cross-origin requests from allowedOrigins are
// accepted with credentials. Requests from any other origin get no
// Access-Control-* headers at all, and preflights are answered here.
// An empty list disables cross-origin access entirely; rs/cors would read it
// as "allow all".
func WithCors(h http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", auth.BusinessHeader},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler(h)
}
