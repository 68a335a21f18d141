// Package credentials resolves per-user exchange API keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

type secretsAPI interface {
	GetSecretValueWithContext(ctx aws.Context, input *secretsmanager.GetSecretValueInput, opts ...request.Option) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsProvider reads "apiKey,apiSecret" from the secret named
// <prefix><userID>.
type AWSSecretsProvider struct {
	client secretsAPI
	prefix string
	logger ports.Logger
}

// NewAWSSecretsProvider creates a provider for region.
func NewAWSSecretsProvider(region, prefix string, logger ports.Logger) (*AWSSecretsProvider, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for AWS secrets provider")
	}
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: aws session: %w", ports.ErrConfigurationError, err)
	}
	client := secretsmanager.New(sess, aws.NewConfig().WithRegion(region))
	return &AWSSecretsProvider{client: client, prefix: prefix, logger: logger}, nil
}

// GetCredentials fetches the user's keys.
func (p *AWSSecretsProvider) GetCredentials(ctx context.Context, userID string) (domain.Credentials, error) {
	secretID := p.prefix + userID
	out, err := p.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return domain.Credentials{}, fmt.Errorf("secret %s: %w: %w", secretID, ports.ErrMissingCredential, ports.ErrNotFound)
		}
		p.logger.Error(ctx, err, "Failed to read API keys from AWS Secrets Manager", map[string]interface{}{"userID": userID, "secretID": secretID})
		return domain.Credentials{}, fmt.Errorf("secret %s: %w: %w", secretID, ports.ErrMissingCredential, err)
	}
	if out.SecretString == nil {
		return domain.Credentials{}, fmt.Errorf("secret %s has no string value: %w", secretID, ports.ErrMissingCredential)
	}
	creds, err := ParseSecret(*out.SecretString)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return creds, nil
}

// ParseSecret splits an "apiKey,apiSecret" secret.
func ParseSecret(secret string) (domain.Credentials, error) {
	parts := strings.Split(strings.TrimSpace(secret), ",")
	if len(parts) != 2 {
		return domain.Credentials{}, fmt.Errorf("%w: expected \"apiKey,apiSecret\", got %d fields", ports.ErrMissingCredential, len(parts))
	}
	creds := domain.Credentials{APIKey: strings.TrimSpace(parts[0]), APISecret: strings.TrimSpace(parts[1])}
	if creds.Empty() {
		return domain.Credentials{}, fmt.Errorf("%w: empty key or secret", ports.ErrMissingCredential)
	}
	return creds, nil
}
