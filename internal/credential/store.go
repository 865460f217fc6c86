// Package credential provides a cached, encrypted-at-rest broker for the
// connector's upstream credentials, backed by a pluggable SecretStore.
// The S3 access key pair is fetched through it; the Sentinel uploader
// authenticates through azidentity instead.
package credential

import (
	"context"
)

// SecretStore is the abstract backend the broker fetches plaintext
// secrets from. Implementations are expected to be HashiCorp-Vault- or
// AWS-Secrets-Manager-shaped: a name resolves to a current value, with no
// caching or TTL semantics of its own — that's the broker's job.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
	Healthy(ctx context.Context) error
}
