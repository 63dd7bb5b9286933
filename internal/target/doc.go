// Package target manages the remote instances Confship deploys to.
//
// A Target holds the SSH connection parameters, the encrypted credential
// blob, and the remote configuration root plus restart/health commands.
// The deployment engine reads targets; create/update/delete flows through
// the API layer only.
package target
