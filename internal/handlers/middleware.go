package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

type errorPageData struct {
	Message string
}

// Recover is the top-level error boundary of the web client. A panicking handler is logged and answered
// with the error page instead of an empty response.
func (m Main) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			m.logger.Error("Handler panicked",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String(errLoggerKey, fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())))

			m.render(w, http.StatusInternalServerError, "error.html", errorPageData{
				Message: "Something went wrong while loading this page. Please try again.",
			})
		}()

		next.ServeHTTP(w, r)
	})
}
