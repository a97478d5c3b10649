// Package ratelimit provides per-client fixed-window rate limiting with
// background eviction of stale entries.
//
// This is a single-instance, in-memory limiter intended for basic abuse
// prevention on a single server. It does not protect against distributed
// attacks or application-layer DoS that stays under the quota. For those,
// use an upstream WAF or CDN-level rate limiting.
//
// The client table is sharded by key hash so concurrent bursts from
// different clients never contend on the same lock.
package ratelimit
