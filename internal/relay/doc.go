// Package relay implements the session core: an account lease pool with
// cooldown, per-channel sessions fed by one ingest process each, and bounded
// per-viewer fan-out queues that drop chunks rather than stall the stream.
package relay
