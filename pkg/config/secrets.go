package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// secretPrefix marks a value to be fetched from Parameter Store.
const secretPrefix = "ssm:"

// ParameterAPI is the subset of the SSM client used to resolve secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretGetter resolves one parameter name to its value.
type SecretGetter interface {
	Get(ctx context.Context, name string) (string, error)
}

// ParamStore reads SecureString parameters with decryption and caches
// them for the life of the process.
type ParamStore struct {
	api ParameterAPI

	mu    sync.Mutex
	cache map[string]string
}

// NewParamStore creates a ParamStore from the default AWS credential chain.
func NewParamStore(ctx context.Context, region string) (*ParamStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewParamStoreFromAPI(ssm.NewFromConfig(cfg)), nil
}

// NewParamStoreFromAPI wraps an existing client.
func NewParamStoreFromAPI(api ParameterAPI) *ParamStore {
	return &ParamStore{api: api, cache: make(map[string]string)}
}

// Get returns the decrypted value of parameter name.
func (p *ParamStore) Get(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	v, ok := p.cache[name]
	p.mu.Unlock()
	if ok {
		return v, nil
	}

	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	v = aws.ToString(out.Parameter.Value)

	p.mu.Lock()
	p.cache[name] = v
	p.mu.Unlock()
	return v, nil
}

// HasSecrets reports whether any secret field holds an ssm: reference.
func (c *Config) HasSecrets() bool {
	found := false
	_ = c.walkSecrets(func(v *string) error {
		if strings.HasPrefix(*v, secretPrefix) {
			found = true
		}
		return nil
	})
	return found
}

// ResolveSecrets replaces every "ssm:/path" secret field with the value
// fetched through getter.
func (c *Config) ResolveSecrets(ctx context.Context, getter SecretGetter) error {
	return c.walkSecrets(func(v *string) error {
		if !strings.HasPrefix(*v, secretPrefix) {
			return nil
		}
		resolved, err := getter.Get(ctx, strings.TrimPrefix(*v, secretPrefix))
		if err != nil {
			return fmt.Errorf("resolve secret: %w", err)
		}
		*v = resolved
		return nil
	})
}

func (c *Config) walkSecrets(fn func(*string) error) error {
	for _, f := range []*string{
		&c.NLU.APIKey,
		&c.Checkpoint.Redis.Password,
		&c.Checkpoint.Postgres.DSN,
		&c.Audit.Redis.Password,
		&c.Webhook.Secret,
	} {
		if err := fn(f); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(c.Domains) {
		d := c.Domains[name]
		if err := fn(&d.DSN); err != nil {
			return err
		}
		if err := fn(&d.Supabase.APIKey); err != nil {
			return err
		}
		c.Domains[name] = d
	}
	for i := range c.Auth.Tokens {
		if err := fn(&c.Auth.Tokens[i].Token); err != nil {
			return err
		}
	}
	return nil
}
