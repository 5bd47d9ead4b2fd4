// Package middleware provides the HTTP middleware stack for the broker's
// loopback admin surface (healthz/metrics/pprof).
package middleware

import "net/http"

// Chain composes middleware in order, so Chain(A, B, C) executes as
// A(B(C(handler))).
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
