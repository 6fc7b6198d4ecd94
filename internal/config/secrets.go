package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	secretService   = "prefetchd"
	apiTokenAccount = "api_token"
	apiTokenEnvVar  = "PREFETCHD_API_TOKEN"
)

// ErrSecretNotFound is returned when the secret store has no value for an account.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes service credentials.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets keeps secrets in a 0600 JSON file under the data directory.
type fileSecrets struct {
	path string
}

// NewKeychain returns the default secret store at $XDG_DATA_HOME/prefetchd/secrets.json.
func NewKeychain() SecretStore {
	return fileSecrets{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok || val == "" {
		return "", ErrSecretNotFound
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token callers must present. PREFETCHD_API_TOKEN
// wins; otherwise the token is read from the secret store and generated on first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(apiTokenEnvVar); tok != "" {
		return tok, nil
	}

	tok, err := store.Get(secretService, apiTokenAccount)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	tok = uuid.NewString()
	if err := store.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing generated API token: %w", err)
	}
	return tok, nil
}
