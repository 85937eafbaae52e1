// Package transport carries actions between nodes over HTTP.
//
// Every action is a POST to /_action/<name> with a JSON body. Caller headers
// travel as X-Ccr-<key> request headers. Failures come back as
// {"kind","message"} bodies so the receiving side sees the same error kind
// the handler returned.
package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/logger"
)

const (
	actionPrefix = "/_action/"
	headerPrefix = "X-Ccr-"
	maxBodyBytes = 64 << 20
)

// Handler dispatches raw action requests. *action.Registry implements it.
type Handler interface {
	Handle(ctx context.Context, name string, headers map[string]string, body []byte) ([]byte, error)
}

// NewRouter returns a chi router serving actions from h plus any extra
// routes mounted by mount (health, metrics, node info).
func NewRouter(h Handler, log *zap.Logger, mount func(r chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post(actionPrefix+"*", func(w http.ResponseWriter, req *http.Request) {
		serveAction(h, w, req)
	})
	if mount != nil {
		mount(r)
	}
	return r
}

func serveAction(h Handler, w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		cluster.WriteError(w, cluster.Errorf(cluster.KindInvalidArgument, "missing action name"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		cluster.WriteError(w, cluster.WrapKind(cluster.KindInvalidArgument, err, "read body"))
		return
	}
	out, err := h.Handle(r.Context(), name, headersFrom(r.Header), body)
	if err != nil {
		logger.FromContext(r.Context()).Debug("action failed",
			logger.Action(name), zap.Stringer("kind", cluster.KindOf(err)), zap.Error(err))
		cluster.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func headersFrom(h http.Header) map[string]string {
	var out map[string]string
	for k, v := range h {
		if !strings.HasPrefix(k, headerPrefix) || len(v) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.ToLower(strings.TrimPrefix(k, headerPrefix))] = v[0]
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger logs every request and makes log available to handlers
// through the request context.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(logger.NewContext(r.Context(), log)))
			lvl := zap.DebugLevel
			if sw.code >= http.StatusInternalServerError {
				lvl = zap.WarnLevel
			}
			if ce := log.Check(lvl, "request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", sw.code),
					zap.Duration("took", time.Since(start)),
				)
			}
		})
	}
}
