// Package guide maintains the channel playlist and program guide: download,
// region filtering, fuzzy name matching, and rewriting stream URLs to point
// at the relay.
package guide
