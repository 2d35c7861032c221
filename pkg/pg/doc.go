// Package pg bootstraps the PostgreSQL layer: connection pooling over
// pgx/v5, schema migrations via goose, and the error helpers the storage
// adapter needs.
//
// Connect retries with exponential backoff until the database accepts
// connections, so the service can start before its database in container
// orchestration. Migrate runs embedded goose migrations through the same
// pool, guaranteeing the schema is current before traffic is served.
package pg
