// Package config loads and validates Confship configuration.
//
// Configuration is read from a YAML file, with hardcoded defaults applied
// first and CONFSHIP_* environment variables applied last. Validation is
// strict about secrets: the API JWT secret and the credential decryption
// passphrase must be present before the service will start.
package config
