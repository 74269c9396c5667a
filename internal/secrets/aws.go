package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the part of *secretsmanager.Client the AWS provider uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWS reads Secrets Manager. A key "id#field" picks one string field out of a JSON secret, so a
// single secret can carry both the DSN and the tokens.
type AWS struct {
	api SecretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(api SecretsManagerAPI) (*AWS, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWS{api: api}, nil
}

func (p *AWS) Get(ctx context.Context, key string) (string, error) {
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	if id = strings.TrimSpace(id); id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}

	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", id, err)
	}

	raw := aws.ToString(out.SecretString)
	if out.SecretString == nil {
		raw = string(out.SecretBinary)
	}
	raw, err = nonEmpty(raw, "secret "+id)
	if err != nil || field == "" {
		return raw, err
	}
	return pickField(id, raw, strings.TrimSpace(field))
}

func pickField(id, raw, field string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	v, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: secret %q field %q is not a string", ErrInvalidConfig, id, field)
	}
	return nonEmpty(s, fmt.Sprintf("secret %q field %q", id, field))
}
