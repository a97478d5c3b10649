// Package ledger detects and serializes duplicate in-flight mutating
// requests ("traffic jams") using a persisted per-client record of
// recent requests.
//
// A mutating request is admitted by appending a pending record to the
// client's ledger entry before the downstream handler runs, and resolved
// by marking that record solved afterwards. A second request to the same
// endpoint/method while a pending record exists is rejected. Detection is
// best effort: the check-then-act sequence runs inside an optimistic
// transaction with bounded retries, so concurrent duplicates racing the
// same entry lose the conflict and retry rather than both admitting.
package ledger
