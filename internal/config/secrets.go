package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "dossier"

// Keychain stores secrets outside the regular config file. The file
// implementation keeps a service/account map in secrets.json under the data
// dir with 0600 permissions.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the default file-backed secret store.
func NewKeychain() Keychain {
	return &fileKeychain{path: secretsFilePath()}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "dossier", "secrets.json")
}

type fileKeychain struct {
	path string
}

func (k *fileKeychain) Get(service, account string) (string, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (k *fileKeychain) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(k.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}

// GetAPIToken returns the bearer token for the management API, generating and
// persisting a random one on first use. The DOSSIER_API_TOKEN environment
// variable overrides the stored token.
func GetAPIToken(kc Keychain) (string, error) {
	if t := os.Getenv("DOSSIER_API_TOKEN"); t != "" {
		return t, nil
	}

	if t, err := kc.Get(secretService, "api_token"); err == nil && t != "" {
		return t, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := kc.Set(secretService, "api_token", token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return token, nil
}
