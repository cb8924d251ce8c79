// Package session serves one worker stream from first frame to shutdown.
//
// Ownership boundary:
// - lifecycle state machine (Starting, Ready, Dispatching, Draining, Closed)
// - per-request dispatch onto the engine registry, one image at a time
// - mapping of protocol and engine failures onto response statuses
// - release of the engine registry and the stream on Closed
//
// A Session is single-threaded. Requests are read, served and answered in
// order; nothing is pipelined.
package session
