// Package serverutil has the pieces shared by HTTP handlers: JSON writing,
// error-returning handlers and request logging.
package serverutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	lwerrs "github.com/jdholdren/lotwatch/internal/errors"
	"github.com/jdholdren/lotwatch/internal/logger"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.Ctx(r.Context(), slog.String("method", r.Method), slog.String("path", r.URL.Path))
		r = r.WithContext(ctx)

		slog.DebugContext(ctx, "request received")
		start := time.Now()

		writer := &respCodeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(writer, r)

		slog.InfoContext(ctx, "request completed",
			"url", r.URL.String(),
			"duration", time.Since(start),
			"status_code", writer.code,
		)
	})
}

// RecoverMiddleware turns a panicking handler into a 500 instead of a dropped connection.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "handler panicked", "panic", rec)
				if err := WriteJSON(w, http.StatusInternalServerError, lwerrs.E("internal server error")); err != nil {
					slog.ErrorContext(r.Context(), "error writing response", "error", err)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// To trap the response status code for logging later.
type respCodeWriter struct {
	http.ResponseWriter
	code int
}

func (w *respCodeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// HandlerFuncE is a modified type of [http.HandlerFunc] that returns an error.
type HandlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	code, sErr := status(r, err)
	if err := WriteJSON(w, code, sErr); err != nil {
		slog.ErrorContext(r.Context(), "error writing response", "error", err)
	}
}

// Either it's already a structured error, a known domain error, or coerced to a 500.
func status(r *http.Request, err error) (int, *lwerrs.Error) {
	sErr := &lwerrs.Error{}
	switch {
	case errors.As(err, &sErr):
	case errors.Is(err, lotwatch.ErrNotFound):
		sErr = lwerrs.E(http.StatusNotFound, err)
	case errors.Is(err, lotwatch.ErrCycleRunning):
		sErr = lwerrs.E(http.StatusConflict, err)
	default:
		slog.ErrorContext(r.Context(), "unstructured handler error", "error", err)
		sErr = lwerrs.E(http.StatusInternalServerError, "internal server error")
	}

	return sErr.Status, sErr
}

// ErrRouter is a newtype around a mux router that allows attaching handlers that return errors.
type ErrRouter struct {
	*mux.Router
}

func (r ErrRouter) HandleFuncE(path string, f HandlerFuncE) *mux.Route {
	return r.Handle(path, f)
}
