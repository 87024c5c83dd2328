// Package server implements the real-time fan-out side of sportrts.
//
// A Broker tracks open WebSocket connections and the match topics each one
// is subscribed to, and delivers published events to them. A Supervisor
// probes connections periodically and terminates those that stop answering.
// Server ties both to the admission gate and exposes them over HTTP together
// with the small REST surface that produces match and commentary events.
package server
