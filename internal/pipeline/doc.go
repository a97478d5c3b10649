// Package pipeline is the request-admission layer in front of the
// application handlers.
//
// Every inbound request walks a linear state machine: Classify the
// destination, Admit it through the traffic ledger when the method is
// mutating, Invoke the downstream handler inside a failure boundary,
// and Finalize by checking the rate limit and stamping the security
// header catalogue. Early exits: 404 for unmatched destinations, 303
// for duplicate in-flight requests, 429 when a client is over quota.
package pipeline
