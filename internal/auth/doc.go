// Package auth issues and validates the JWT access tokens that protect the
// HTTP API. Tokens are signed with HS256 using the configured secret; there
// is no user store, operators mint tokens with the token subcommand.
package auth
