// Package proxy shares one long-lived worker process between many short-lived local clients.
//
// Clients connect over a Unix socket and speak the newline-delimited JSON protocol. Every frame a
// client sends is written to the worker unchanged, except "logger" requests, which turn the
// sending connection into an observer. Every frame the worker prints is broadcast to all clients,
// which pick out their own responses by request_seq. Observers additionally receive every request
// forwarded to the worker, so they see the full conversation in order.
//
// Each client has its own bounded queue; a client that stops reading is disconnected once its
// queue fills up instead of stalling the others.
package proxy
