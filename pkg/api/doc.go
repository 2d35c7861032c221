// Package api exposes the task queue over HTTP: submission, inspection, and
// cancellation endpoints on a chi router, plus the service health probe.
//
// The API is a thin boundary: handlers translate between JSON and
// queue.Service calls, and map the queue's sentinel errors to HTTP status
// codes. No scheduling logic lives here.
package api
