package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nvll/nvll-web/internal/httpmw"
	"github.com/nvll/nvll-web/internal/ledger"
	"github.com/nvll/nvll-web/internal/log"
	"github.com/nvll/nvll-web/internal/ratelimit"
	"github.com/nvll/nvll-web/internal/sentinel"
)

// PurposeHeader is the out-of-band signal a downstream handler may set
// to annotate why its response exists (e.g. "signup"). The ledger
// records it on resolution.
const PurposeHeader = "X-Purpose"

// JamDetector is the slice of the traffic ledger the pipeline needs.
type JamDetector interface {
	Admit(ctx context.Context, clientID, endpoint, method string) (ledger.Decision, error)
	Resolve(ctx context.Context, clientID, requestID, purpose string) error
}

// RateChecker is the slice of the rate limiter the pipeline needs.
type RateChecker interface {
	Check(clientID, method string) ratelimit.Result
}

type Options struct {
	Ledger     JamDetector
	Limiter    RateChecker
	Policy     *sentinel.Policy
	Classifier Classifier

	// Upgrader handles websocket upgrade requests. Nil falls through
	// to route handling.
	Upgrader http.Handler

	Logger log.Logger

	// DownstreamTimeout bounds the handler invocation. Zero disables
	// the deadline.
	DownstreamTimeout time.Duration

	// metrics hooks
	OnJamRejected func()
	OnJamAdmitted func()
	OnRateLimited func()
	OnLedgerError func()
}

// Pipeline orchestrates admission for every request. See the package
// doc for the state machine.
type Pipeline struct {
	ledger     JamDetector
	limiter    RateChecker
	policy     *sentinel.Policy
	classifier Classifier
	upgrader   http.Handler
	logger     log.Logger
	timeout    time.Duration

	onJamRejected func()
	onJamAdmitted func()
	onRateLimited func()
	onLedgerError func()
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		ledger:        opts.Ledger,
		limiter:       opts.Limiter,
		policy:        opts.Policy,
		classifier:    opts.Classifier,
		upgrader:      opts.Upgrader,
		logger:        opts.Logger,
		timeout:       opts.DownstreamTimeout,
		onJamRejected: opts.OnJamRejected,
		onJamAdmitted: opts.OnJamAdmitted,
		onRateLimited: opts.OnRateLimited,
		onLedgerError: opts.OnLedgerError,
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	if p.policy == nil {
		p.policy = sentinel.New()
	}
	return p
}

// Middleware wraps the downstream handler with the admission state
// machine.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientID := p.clientID(r)

		switch p.classifier.Classify(r) {
		case DestinationNotFound:
			p.serveNotFound(w, r, clientID, start)
			return
		case DestinationUpgrade:
			if p.upgrader != nil {
				p.upgrader.ServeHTTP(w, r)
				return
			}
			// no upgrade collaborator configured, treat as a route
		case DestinationStatic:
			p.serveStatic(w, r, next, clientID, start)
			return
		}

		p.serveRoute(w, r, next, clientID, start)
	})
}

// serveRoute runs Admit -> Invoke -> Resolve -> Finalize.
func (p *Pipeline) serveRoute(w http.ResponseWriter, r *http.Request, next http.Handler, clientID string, start time.Time) {
	ctx := r.Context()
	endpoint := r.URL.Path
	method := r.Method

	var admitted *ledger.Record
	if ledger.RequiresAdmission(method) {
		dec, err := p.ledger.Admit(ctx, clientID, endpoint, method)
		switch {
		case err != nil:
			// ledger unavailable: fail open, jam detection is a best
			// effort safety net and must not take the site down
			p.logger.Error(ctx, err, "traffic ledger unavailable, skipping jam detection",
				"client.address", clientID,
				"url.path", endpoint,
			)
			if p.onLedgerError != nil {
				p.onLedgerError()
			}
		case !dec.Admitted:
			p.rejectJam(w, r, clientID, dec.RedirectPath, start)
			return
		default:
			rec := dec.Record
			admitted = &rec
			if p.onJamAdmitted != nil {
				p.onJamAdmitted()
			}
		}
	}

	buf, timedOut := p.invoke(w, r, next)

	if admitted != nil {
		purpose := ledger.PurposeUnclear
		if !timedOut {
			purpose = buf.Header().Get(PurposeHeader)
		}
		if err := p.ledger.Resolve(ctx, clientID, admitted.RequestID, purpose); err != nil {
			p.logger.Error(ctx, err, "traffic ledger resolve failed",
				"client.address", clientID,
				"request_id", admitted.RequestID,
			)
			if p.onLedgerError != nil {
				p.onLedgerError()
			}
		}
	}

	p.finalize(w, r, buf, clientID, start, nil)
}

// serveStatic applies headers only, with content-type overrides for
// worker scripts and plain-text assets.
func (p *Pipeline) serveStatic(w http.ResponseWriter, r *http.Request, next http.Handler, clientID string, start time.Time) {
	buf, _ := p.invoke(w, r, next)
	p.finalize(w, r, buf, clientID, start, staticContentType(r.URL.Path))
}

func staticContentType(path string) func(http.Header) {
	switch {
	case strings.HasPrefix(path, "/workers/") && strings.HasSuffix(path, ".js"):
		return func(h http.Header) { h.Set("Content-Type", "application/javascript") }
	case strings.HasSuffix(path, ".txt"):
		return func(h http.Header) { h.Set("Content-Type", "text/plain; charset=utf-8") }
	}
	return nil
}

// invoke runs the downstream handler against a buffered response
// inside the failure boundary. On timeout the handler's buffer is
// abandoned and a generic 500 is returned in its place.
func (p *Pipeline) invoke(w http.ResponseWriter, r *http.Request, next http.Handler) (*bufferedResponse, bool) {
	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		r = r.WithContext(ctx)
	}
	defer cancel()

	buf := newBufferedResponse()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error(r.Context(), fmt.Errorf("%v", rec), "downstream handler panicked",
					"url.path", r.URL.Path,
				)
				writeFailure(buf, rec)
			}
		}()
		next.ServeHTTP(buf, r)
	}()

	if p.timeout <= 0 {
		<-done
		return buf, false
	}

	select {
	case <-done:
		return buf, false
	case <-ctx.Done():
		// hung handler: leave its buffer to the goroutine, answer with
		// a fresh 500 so the in-flight marker still gets resolved
		failed := newBufferedResponse()
		failed.WriteHeader(http.StatusInternalServerError)
		_, _ = failed.Write([]byte("-ERR internal server error: downstream timeout"))
		return failed, true
	}
}

// writeFailure converts a recovered panic into the generic 500 body.
// The buffer may already hold a partial response; replace it.
func writeFailure(buf *bufferedResponse, rec any) {
	msg := strings.ToLower(fmt.Sprintf("%v", rec))
	buf.status = http.StatusInternalServerError
	buf.body.Reset()
	buf.body.WriteString("-ERR internal server error: " + msg)
}

// serveNotFound answers unmatched destinations. The header catalogue
// still applies, and an over-quota client gets 429 instead.
func (p *Pipeline) serveNotFound(w http.ResponseWriter, r *http.Request, clientID string, start time.Time) {
	rl := p.limiter.Check(clientID, r.Method)
	p.policy.Apply(w.Header(), rl.Count)

	status := http.StatusNotFound
	if rl.Limited {
		if p.onRateLimited != nil {
			p.onRateLimited()
		}
		status = http.StatusTooManyRequests
		w.WriteHeader(status)
	} else {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("-ERR 404 not found"))
	}
	p.policy.Audit(r.Context(), clientID, r.Method, status, time.Since(start), r.URL.Path)
}

// rejectJam short-circuits a duplicate in-flight request: 303 to the
// status endpoint, or 429 if the client is simultaneously over quota.
func (p *Pipeline) rejectJam(w http.ResponseWriter, r *http.Request, clientID, redirectPath string, start time.Time) {
	if p.onJamRejected != nil {
		p.onJamRejected()
	}

	rl := p.limiter.Check(clientID, r.Method)
	h := w.Header()
	p.policy.Apply(h, rl.Count)

	if rl.Limited {
		if p.onRateLimited != nil {
			p.onRateLimited()
		}
		w.WriteHeader(http.StatusTooManyRequests)
		p.policy.Audit(r.Context(), clientID, r.Method, http.StatusTooManyRequests, time.Since(start), r.URL.Path)
		return
	}

	h.Set("Location", redirectPath)
	h.Set("X-Traffic-Jam", "active")
	w.WriteHeader(http.StatusSeeOther)
	p.policy.Audit(r.Context(), clientID, r.Method, http.StatusSeeOther, time.Since(start), r.URL.Path)
}

// finalize is the last gate: rate limit, header catalogue, timing.
func (p *Pipeline) finalize(w http.ResponseWriter, r *http.Request, buf *bufferedResponse, clientID string, start time.Time, contentType func(http.Header)) {
	elapsed := time.Since(start)
	rl := p.limiter.Check(clientID, r.Method)

	if rl.Limited {
		if p.onRateLimited != nil {
			p.onRateLimited()
		}
		// over quota: discard the handler's body, headers only
		p.policy.Apply(w.Header(), rl.Count)
		w.WriteHeader(http.StatusTooManyRequests)
		p.policy.Audit(r.Context(), clientID, r.Method, http.StatusTooManyRequests, elapsed, r.URL.Path)
		return
	}

	p.policy.Apply(buf.Header(), rl.Count)
	if contentType != nil {
		contentType(buf.Header())
	}
	buf.Header().Set("X-Response-Time", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000))
	buf.flush(w)
	p.policy.Audit(r.Context(), clientID, r.Method, buf.statusOr(http.StatusOK), elapsed, r.URL.Path)
}

// clientID resolves the client identifier: the value the client-ip
// middleware stored in context, else the forwarded-for header, else
// the socket address. Trusted verbatim per the header trust model; a
// sanitizing reverse proxy upstream is assumed.
func (p *Pipeline) clientID(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
