package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nvll/nvll-web/internal/httpmw"
	"github.com/nvll/nvll-web/internal/log"
	"github.com/nvll/nvll-web/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters.
	MetricsMW    func(http.Handler) http.Handler
	Health       probe.Probe
	Readiness    probe.Probe

	// Admission builds the request-admission middleware after the route
	// table exists, so its classifier can consult the final router.
	Admission func(chi.Router) func(http.Handler) http.Handler

	// APIRoutes registers application endpoints on the router.
	APIRoutes func(r chi.Router)

	// StaticHandler serves /static/ and /workers/ assets when set.
	StaticHandler http.Handler

	ClientIPOpts httpmw.ClientIPOptions
}
