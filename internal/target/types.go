package target

import "time"

// Target is a remote instance configuration is deployed to.
//
// The orchestration engine treats targets as read-only: records are managed
// through the API, and the engine only reads host/credential details when it
// opens a transport session. Credential holds the encrypted blob; it is
// decrypted just-in-time by the secrets package and never serialised out.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Connection parameters
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`

	// Credential is the encrypted SSH credential blob (private key or password).
	Credential string `json:"-"`

	// ConfigPath is the remote configuration root directory.
	ConfigPath string `json:"config_path"`

	// RestartCmd restarts the managed service after a deploy (e.g. "systemctl restart wled-bridge").
	RestartCmd string `json:"restart_cmd,omitempty"`

	// HealthCmd verifies the service after restart; exit 0 means healthy.
	HealthCmd string `json:"health_cmd,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
