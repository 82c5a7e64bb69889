package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const credentialKeyPrefix = "credential:"

// SecretVerifier checks credentials against bcrypt hashes kept in a SecretStore.
type SecretVerifier struct {
	secrets domain.SecretStore
}

// NewSecretVerifier creates a verifier backed by the given secret store.
func NewSecretVerifier(secrets domain.SecretStore) *SecretVerifier {
	return &SecretVerifier{secrets: secrets}
}

func credentialKey(subject string) string {
	return credentialKeyPrefix + strings.ToLower(strings.TrimSpace(subject))
}

// Verify compares the secret with the subject's stored hash.
// A subject without a stored credential is an error, not a rejection,
// so attempts are not burned before a credential is configured.
func (v *SecretVerifier) Verify(ctx context.Context, cred domain.Credential) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	hash, err := v.secrets.GetSecret(credentialKey(cred.Subject))
	if err != nil {
		return false, fmt.Errorf("no credential for %q: %w", cred.Subject, err)
	}

	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(cred.Secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("stored credential for %q is invalid: %w", cred.Subject, err)
	}
}

// SetCredential hashes secret and stores it for subject.
func (v *SecretVerifier) SetCredential(subject, secret string) error {
	if strings.TrimSpace(subject) == "" {
		return errors.New("subject is required")
	}
	if secret == "" {
		return errors.New("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash credential: %w", err)
	}
	return v.secrets.SetSecret(credentialKey(subject), string(hash))
}

// HasCredential reports whether subject has a stored credential.
func (v *SecretVerifier) HasCredential(subject string) bool {
	_, err := v.secrets.GetSecret(credentialKey(subject))
	return err == nil
}

// Ensure SecretVerifier implements domain.CredentialVerifier.
var _ domain.CredentialVerifier = (*SecretVerifier)(nil)
