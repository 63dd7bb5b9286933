// Package transport provides authenticated remote sessions for deployments.
//
// The Session interface covers the four operations a deployment needs:
// pushing an archive, running a command, fetching a directory as an archive,
// and running the target's health command. SSHDialer is the production
// implementation; it decrypts the target credential just-in-time, retries
// connection failures with bounded exponential backoff, and classifies
// authentication rejections as fatal so they are never retried.
package transport
