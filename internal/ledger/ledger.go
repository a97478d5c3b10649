package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nvll/nvll-web/internal/xerrors"
)

// JamRedirectPath is the well-known status endpoint duplicate in-flight
// requests are redirected to.
const JamRedirectPath = "/api/v0/traffic-jam"

const (
	StatusPending = "pending"
	StatusSolved  = "solved"

	// PurposeUnclear is recorded until the downstream handler reports
	// an outcome via the X-Purpose response header.
	PurposeUnclear = "unclear"
)

// protected methods always require admission; open methods never do.
// Anything in neither set is treated as protected (fail closed).
var (
	protectedMethods = map[string]struct{}{
		"POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {},
	}
	openMethods = map[string]struct{}{
		"GET": {}, "HEAD": {}, "OPTIONS": {}, "CONNECT": {}, "TRACE": {},
	}
)

// RequiresAdmission reports whether requests with the given method are
// subject to jam detection.
func RequiresAdmission(method string) bool {
	if _, ok := protectedMethods[method]; ok {
		return true
	}
	_, open := openMethods[method]
	return !open
}

// Record is one row in a client's ledger.
type Record struct {
	RequestID  string `json:"request"`
	Purpose    string `json:"purpose"`
	Status     string `json:"status"`
	RemoteIP   string `json:"remoteIp"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	Processing bool   `json:"processing"`
	Timestamp  int64  `json:"timestamp"`
}

// EntryData wraps the record sequence, matching the persisted JSON shape.
type EntryData struct {
	Histories []Record `json:"histories"`
}

// Entry is the persisted per-client ledger value. Success is false
// whenever any record still has Processing set.
type Entry struct {
	Success bool      `json:"success"`
	Code    int       `json:"code"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Data    EntryData `json:"data"`
}

// HasActiveJam reports whether any record is still processing.
func (e *Entry) HasActiveJam() bool {
	for i := range e.Data.Histories {
		if e.Data.Histories[i].Processing {
			return true
		}
	}
	return false
}

// refresh recomputes the aggregate fields from the record sequence.
func (e *Entry) refresh() {
	e.Type = "request"
	if e.HasActiveJam() {
		e.Success = false
		e.Code = 102
		e.Message = "+OK active traffic jam found"
	} else {
		e.Success = true
		e.Code = 200
		e.Message = "+OK no active traffic jam found"
	}
}

// Decision is the outcome of an admission attempt.
type Decision struct {
	Admitted bool
	// Record is the newly created pending record when Admitted.
	Record Record
	// RedirectPath is the jam status endpoint when rejected.
	RedirectPath string
}

// Ledger coordinates admission and resolution against a Store.
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDFunc overrides record ID generation, for tests.
func WithIDFunc(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: newRequestID,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// newRequestID returns a time-ordered unique id.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// rand exhaustion, practically unreachable
		return uuid.NewString()
	}
	return id.String()
}

// Admit checks the client's ledger for an identical in-flight request.
// If one exists the request is rejected and must not reach the
// downstream handler; otherwise a pending record is persisted before
// returning, establishing the in-flight marker concurrent duplicates
// will observe.
func (l *Ledger) Admit(ctx context.Context, clientID, endpoint, method string) (Decision, error) {
	var admitted Record
	jammed := false

	err := l.store.Update(ctx, clientID, func(e *Entry) (bool, error) {
		for i := range e.Data.Histories {
			h := &e.Data.Histories[i]
			if h.Endpoint == endpoint && h.Method == method && (h.Processing || h.Status != StatusSolved) {
				jammed = true
				return false, nil
			}
		}

		admitted = Record{
			RequestID:  l.newID(),
			Purpose:    PurposeUnclear,
			Status:     StatusPending,
			RemoteIP:   clientID,
			Endpoint:   endpoint,
			Method:     method,
			Processing: true,
			Timestamp:  l.now().Unix(),
		}
		e.Data.Histories = append(e.Data.Histories, admitted)
		e.refresh()
		return true, nil
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "ledger admit")
	}
	if jammed {
		return Decision{Admitted: false, RedirectPath: JamRedirectPath}, nil
	}
	return Decision{Admitted: true, Record: admitted}, nil
}

// Resolve marks the admitted record solved and recomputes the aggregate
// jam flag. A missing record (entry independently cleared) is a no-op,
// not an error.
func (l *Ledger) Resolve(ctx context.Context, clientID, requestID, purpose string) error {
	if purpose == "" {
		purpose = PurposeUnclear
	}

	err := l.store.Update(ctx, clientID, func(e *Entry) (bool, error) {
		for i := range e.Data.Histories {
			h := &e.Data.Histories[i]
			if h.RequestID != requestID {
				continue
			}
			h.Purpose = purpose
			h.Status = StatusSolved
			h.Processing = false
			e.refresh()
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return xerrors.Wrap(err, "ledger resolve")
	}
	return nil
}

// Query returns the client's current ledger entry for the status
// surface. The second return is false when the client has no entry.
func (l *Ledger) Query(ctx context.Context, clientID string) (Entry, bool, error) {
	e, ok, err := l.store.Get(ctx, clientID)
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "ledger query")
	}
	return e, ok, nil
}
