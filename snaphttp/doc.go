// Package snaphttp exposes a snaptrace observer over HTTP.
//
// Specifically, it provides an HTTP server which serves dumps of the current
// entries on demand, and streams entries as server-sent events as they're
// recorded, as well as clients for both.
package snaphttp
