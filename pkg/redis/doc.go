// Package redis bootstraps the Redis layer: client construction from a
// connection URL with startup retries, plus the health check wiring.
package redis
