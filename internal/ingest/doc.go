// Package ingest launches and supervises the upstream capture subprocess.
// A session owns exactly one Handle; stopping the handle reaps the process
// and closes its pipes.
package ingest
