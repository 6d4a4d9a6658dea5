// Package api exposes the relay over HTTP: the viewer stream endpoint, the
// rewritten playlist and guide documents, and a token-guarded operator
// surface.
package api
