// Package api exposes the HTTP control surface: task submission and
// inspection, worker fleet listing, checkpoint decisions, the websocket
// event stream, the worker channel, metrics and health.
package api
