package trace

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// TransactionTypeWeb is the transaction type of HTTP requests.
const TransactionTypeWeb = "Web"

// HTTPMiddleware wraps an HTTP handler in a Web transaction. The
// transaction is named after the matched gorilla/mux route template when
// there is one, so path parameters do not explode the name space.
func HTTPMiddleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, tx := tracer.Start(r.Context(), TransactionTypeWeb, r.Method+" "+routeName(r))
			tx.SetAttribute("http.method", r.Method)
			tx.SetAttribute("http.url", r.URL.Path)
			if r.RemoteAddr != "" {
				tx.SetAttribute("http.client_ip", r.RemoteAddr)
			}

			// Wrap response writer to capture status code
			wrapper := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			defer func() {
				if p := recover(); p != nil {
					tx.SetError("panic")
					tx.End()
					panic(p)
				}
			}()

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			tx.SetAttribute("http.status_code", strconv.Itoa(wrapper.statusCode))
			tx.SetAttribute("http.response_size", strconv.FormatInt(wrapper.bytesWritten, 10))
			if wrapper.statusCode >= 500 {
				tx.SetError("HTTP " + strconv.Itoa(wrapper.statusCode))
			}
			tx.End()
		})
	}
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture status code and response size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
