// Package snapshot captures and restores target configuration state.
//
// Snapshots are gzipped tar archives of a target's configuration directory,
// fetched over the transport, stored locally, and tracked in SQLite. Every
// archive carries a SHA-256 checksum recorded at capture and re-verified
// before any restore. Restores only run from completed snapshots; protected
// snapshots are exempt from retention sweeps and explicit deletes.
package snapshot
