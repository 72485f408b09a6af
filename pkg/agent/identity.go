package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// identityFile is the per-user file persisting the node's global id.
const identityFile = ".agent_config.json"

type identityConfig struct {
	GlobalID string `json:"global_id"`
}

// LoadOrCreateGlobalID returns the node's stable global id, generating and
// persisting a fresh UUID on first run. The id survives agent restarts so
// the master sees re-registration, not a new node.
func LoadOrCreateGlobalID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("agent: resolve home dir: %w", err)
	}
	path := filepath.Join(home, identityFile)

	if data, err := os.ReadFile(path); err == nil {
		var cfg identityConfig
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.GlobalID != "" {
			return cfg.GlobalID, nil
		}
	}

	cfg := identityConfig{GlobalID: uuid.NewString()}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agent: encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("agent: persist identity: %w", err)
	}
	return cfg.GlobalID, nil
}
