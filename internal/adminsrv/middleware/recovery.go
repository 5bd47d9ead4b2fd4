package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// sanitizeStackTrace keeps function names and filenames from a panic stack
// trace but drops the full filesystem paths.
func sanitizeStackTrace(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	sanitized := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.Contains(line, "/") && strings.Contains(line, ".go:") {
			parts := strings.Split(line, "/")
			indent := ""
			for _, c := range line {
				if c == '\t' || c == ' ' {
					indent += string(c)
				} else {
					break
				}
			}
			sanitized = append(sanitized, indent+parts[len(parts)-1])
			continue
		}
		sanitized = append(sanitized, line)
	}

	return strings.Join(sanitized, "\n")
}

type headerChecker interface {
	Written() bool
}

// Recovery recovers from a panic in a downstream handler, logs it with a
// sanitized stack trace, and returns a 500 if headers haven't been sent yet.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("stack", sanitizeStackTrace(debug.Stack())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("panic recovered in admin handler")

				if hc, ok := w.(headerChecker); ok && hc.Written() {
					return
				}
				writeErrorResponse(w, http.StatusInternalServerError, "internal server error", startTime)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
