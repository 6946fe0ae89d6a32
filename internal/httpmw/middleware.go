// Package httpmw binds the gate's hooks around an HTTP handler. It is
// router-agnostic: the middleware is a plain func(http.Handler) http.Handler.
package httpmw

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/limiter"
)

// maxPeekBody bounds how much of a request or response body is buffered for
// model and usage extraction.
const maxPeekBody = 1 << 20

// Authenticator produces the per-request principal. Authentication itself
// is the containing proxy's concern; the middleware only consumes it.
type Authenticator interface {
	Authenticate(r *http.Request) (*proxy.PrincipalAuth, error)
}

// Middleware wraps a proxy handler with admission, reconciliation, and
// header annotation.
type Middleware struct {
	auth Authenticator
	gate *limiter.Gate
}

// New creates the middleware over an authenticator and a gate.
func New(auth Authenticator, gate *limiter.Gate) *Middleware {
	return &Middleware{auth: auth, gate: gate}
}

// Handler runs the pre-call hook before the downstream handler and the
// matching reconciliation hook after it. Remaining-budget headers are
// injected when the downstream writes its status.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}

		rc := &proxy.RequestContext{
			Model:    peekModel(r),
			CallType: r.URL.Path,
		}

		if err := m.gate.PreCallHook(r.Context(), principal, rc); err != nil {
			var rle *proxy.RateLimitError
			if errors.As(err, &rle) {
				writeRateLimitError(w, rle)
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		sw.beforeHeader = func() {
			resp := &proxy.ModelResponse{HiddenHeaders: map[string]string{}}
			m.gate.PostCallSuccessHook(r.Context(), rc, principal, resp)
			h := w.Header()
			for k, v := range resp.HiddenHeaders {
				h.Set(k, v)
			}
		}

		next.ServeHTTP(sw, r)

		ev := limiter.EventFrom(principal, rc, sw.totalTokens())
		if sw.status < http.StatusBadRequest {
			m.gate.OnLogSuccess(r.Context(), ev)
		} else {
			m.gate.OnLogFailure(r.Context(), ev, fmt.Errorf("upstream status %d", sw.status))
		}
	})
}

// peekModel extracts the "model" field from a JSON request body, restoring
// the body for the downstream handler.
func peekModel(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	return gjson.GetBytes(body, "model").String()
}

// statusWriter wraps ResponseWriter to capture the HTTP status code and a
// bounded copy of the body for usage extraction. beforeHeader runs once,
// ahead of the first WriteHeader, while headers can still be set.
type statusWriter struct {
	http.ResponseWriter
	status       int
	wroteHeader  bool
	beforeHeader func()
	body         bytes.Buffer
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
		if sw.beforeHeader != nil {
			sw.beforeHeader()
		}
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	if sw.body.Len() < maxPeekBody {
		sw.body.Write(b[:min(len(b), maxPeekBody-sw.body.Len())])
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher, so streaming responses keep working through the gate.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find interface
// implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// totalTokens pulls usage.total_tokens from the captured response body, or
// 0 when the response carries no usage block.
func (sw *statusWriter) totalTokens() int64 {
	return gjson.GetBytes(sw.body.Bytes(), "usage.total_tokens").Int()
}

// writeRateLimitError writes a 429 response with Retry-After header.
func writeRateLimitError(w http.ResponseWriter, e *proxy.RateLimitError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter)+1))
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse(e.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"error": map[string]string{"message": msg}}
}
