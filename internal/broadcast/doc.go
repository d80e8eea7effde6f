// Package broadcast delivers frames to the connections of the local store.
//
// A broadcast snapshots the store, then issues one send per eligible
// recipient concurrently and waits for every send to settle. A failed or
// slow recipient never cancels or delays delivery to the others, and the
// caller receives a Report instead of an error. Connections are never
// removed here; removal follows from the transport's own close event.
package broadcast
