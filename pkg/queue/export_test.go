package queue

// WithClock exposes the worker pool's internal time source override to tests.
var WithClock = withClock
