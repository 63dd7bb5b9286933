// Package database manages the SQLite store for Confship.
//
// It provides connection setup (WAL mode, busy timeout, foreign keys),
// health checks, and an embedded-migrations runner. Migration SQL files are
// registered by the top-level migrations package via MigrationsFS so they
// ship inside the binary.
//
// SQLite is configured for a single writer connection; repositories share
// the *sql.DB and rely on the busy timeout under contention.
package database
