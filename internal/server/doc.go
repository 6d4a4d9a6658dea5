// Package server hosts the relay's HTTP surface from a single multiplexer.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, and security headers so handlers all share common
// protections and instrumentation.
package server
