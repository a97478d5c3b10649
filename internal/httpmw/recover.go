package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/nvll/nvll-web/internal/log"
	"github.com/nvll/nvll-web/internal/xerrors"
)

// Recover converts downstream panics into a 500 response instead of
// tearing down the connection. onPanic, if non-nil, is invoked once per
// recovered panic (metrics hook).
func Recover(l log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				l.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
