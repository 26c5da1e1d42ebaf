package wstcred

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AgentState is the host agent's persisted side of the credential model:
// its own signing key seed and the client keys it has admitted.
type AgentState struct {
	HostKeySeed []byte            `json:"host_key_seed"`
	Clients     []*EnrolledClient `json:"clients"`
}

// LoadAgentState reads the agent state file. A missing file returns
// ErrNotFound so the caller can initialize a fresh identity.
func LoadAgentState(path, passphrase string) (*AgentState, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		raw, err = Decrypt(passphrase, raw)
		if err != nil {
			return nil, err
		}
	} else if IsEncrypted(raw) {
		return nil, fmt.Errorf("agent state file %s is encrypted and no passphrase is configured", path)
	}
	var st AgentState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("agent state file %s is corrupt: %w", path, err)
	}
	return &st, nil
}

// SaveAgentState writes the agent state file, sealed when a passphrase is
// configured.
func SaveAgentState(path, passphrase string, st *AgentState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if passphrase != "" {
		raw, err = Encrypt(passphrase, raw)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
