package pipeline

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Destination is the dispatch class of an inbound request, decided
// before any handler runs.
type Destination int

const (
	DestinationRoute Destination = iota
	DestinationStatic
	DestinationNotFound
	DestinationUpgrade
)

func (d Destination) String() string {
	switch d {
	case DestinationRoute:
		return "route"
	case DestinationStatic:
		return "static"
	case DestinationNotFound:
		return "notFound"
	case DestinationUpgrade:
		return "upgrade"
	}
	return "unknown"
}

// Classifier decides the destination of a request.
type Classifier interface {
	Classify(r *http.Request) Destination
}

// ClassifierFunc adapts a function into a Classifier.
type ClassifierFunc func(*http.Request) Destination

func (f ClassifierFunc) Classify(r *http.Request) Destination { return f(r) }

// RouterClassifier classifies against a chi router's route table:
// websocket upgrades first, then configured static prefixes, then a
// route match, else notFound.
type RouterClassifier struct {
	Router         chi.Router
	StaticPrefixes []string
}

func NewRouterClassifier(router chi.Router, staticPrefixes ...string) *RouterClassifier {
	if len(staticPrefixes) == 0 {
		staticPrefixes = []string{"/static/", "/workers/"}
	}
	return &RouterClassifier{Router: router, StaticPrefixes: staticPrefixes}
}

func (c *RouterClassifier) Classify(r *http.Request) Destination {
	if wantsUpgrade(r) {
		return DestinationUpgrade
	}
	for _, prefix := range c.StaticPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return DestinationStatic
		}
	}
	rctx := chi.NewRouteContext()
	if c.Router.Match(rctx, r.Method, r.URL.Path) {
		return DestinationRoute
	}
	return DestinationNotFound
}

func wantsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
