package middleware

import "net/http"

// SecurityHeaders sets a minimal set of defensive headers on every admin
// surface response. The admin surface is loopback-only operator tooling,
// not a public API, so this intentionally skips CORS and CSP concerns that
// only matter for browser-originated cross-origin requests.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
