// Package secrets encrypts and decrypts target credentials.
//
// Credentials (SSH private keys or passwords) are stored in the targets
// table as passphrase-encrypted blobs and decrypted just-in-time when the
// transport opens a session. Plaintext never reaches logs or the API layer.
package secrets
