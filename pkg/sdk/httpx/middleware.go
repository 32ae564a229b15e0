package httpx

import (
	"context"
	"net/http"
	"regexp"
	"runtime/pprof"
	"strconv"

	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var (
	numericSegment = regexp.MustCompile(`/\d+(/|$)`)
	uuidSegment    = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}(/|$)`)
)

// Middleware returns HTTP middleware that runs each request as a Web
// transaction named "METHOD /normalized/path".
//
// Usage:
//
//	client, _ := sdk.New(sdk.ClientConfig{...})
//	client.Start(ctx)
//	defer client.Stop()
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	handler := httpx.Middleware(client)(mux)
//	http.ListenAndServe(":8080", handler)
func Middleware(client *sdk.Client) func(http.Handler) http.Handler {
	tracer := client.Tracer()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, tx := tracer.Start(r.Context(), trace.TransactionTypeWeb, r.Method+" "+normalizePath(r.URL.Path))
			tx.SetAttribute("http.method", r.Method)
			tx.SetAttribute("http.url", r.URL.Path)

			// Wrap ResponseWriter to capture status code
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					tx.SetError("panic")
					tx.End()
					panic(p)
				}
			}()

			pprof.Do(ctx, pprof.Labels(sdk.ProfileLabel, string(tx.ID())), func(ctx context.Context) {
				next.ServeHTTP(rw, r.WithContext(ctx))
			})

			tx.SetAttribute("http.status_code", strconv.Itoa(rw.statusCode))
			if rw.statusCode >= 500 {
				tx.SetError("HTTP " + strconv.Itoa(rw.statusCode))
			}
			tx.End()
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath keeps transaction names low-cardinality.
// Examples:
//   - /api/users/123 → /api/users/{id}
//   - /posts/456/comments → /posts/{id}/comments
//   - /api/orders/3f2b…-uuid → /api/orders/{id}
func normalizePath(path string) string {
	// ReplaceAll does not revisit the shared slash, so run to a fixpoint
	for _, re := range []*regexp.Regexp{numericSegment, uuidSegment} {
		for {
			next := re.ReplaceAllString(path, "/{id}$1")
			if next == path {
				break
			}
			path = next
		}
	}
	return path
}
