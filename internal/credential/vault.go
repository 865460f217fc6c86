package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VaultStore is a SecretStore backed by a HashiCorp-Vault-shaped KV v2 HTTP
// API, with an explicitly tuned http.Client (bounded idle connections, no
// implicit default timeouts).
type VaultStore struct {
	baseURL string
	mount   string
	token   string
	client  *http.Client
}

// NewVaultStore creates a VaultStore against a Vault (or Vault-API-
// compatible) server at baseURL, reading/writing the kv2 mount named
// mount, authenticating with token.
func NewVaultStore(baseURL, mount, token string, timeout time.Duration) *VaultStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VaultStore{
		baseURL: baseURL,
		mount:   mount,
		token:   token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type vaultKV2Response struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// GetSecret reads the "value" key of the kv2 secret at name.
func (v *VaultStore) GetSecret(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.baseURL, v.mount, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault get %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("vault get %q: status %d: %s", name, resp.StatusCode, body)
	}

	var parsed vaultKV2Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode vault response for %q: %w", name, err)
	}
	value, ok := parsed.Data.Data["value"]
	if !ok {
		return "", fmt.Errorf("vault secret %q missing \"value\" key", name)
	}
	return value, nil
}

// SetSecret writes value under the "value" key of the kv2 secret at name.
// Used by rotation flows that both read the new credential from an
// external rotation job and persist it back for other broker instances.
func (v *VaultStore) SetSecret(ctx context.Context, name, value string) error {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.baseURL, v.mount, name)
	payload, err := json.Marshal(map[string]interface{}{
		"data": map[string]string{"value": value},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", v.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault set %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault set %q: status %d: %s", name, resp.StatusCode, body)
	}
	return nil
}

// Healthy probes Vault's unauthenticated health endpoint.
func (v *VaultStore) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/sys/health", nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault health probe: %w", err)
	}
	defer resp.Body.Close()

	// Vault returns 429 for standby nodes and 472/473 for DR/perf
	// secondaries; all are "reachable", so only 5xx counts as unhealthy.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("vault health probe: status %d", resp.StatusCode)
	}
	return nil
}
