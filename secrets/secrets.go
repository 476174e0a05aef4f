// Package secrets loads the relayer signing key.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/ethereum/go-ethereum/crypto"

	"gasless-relayer/apperr"
)

// KeySource returns the relayer private key or fails with missing credentials.
type KeySource interface {
	RelayerKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, apperr.Config("missing credentials")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// do not echo the input
		return nil, apperr.Config("relayer key is not a valid secp256k1 private key")
	}
	return key, nil
}

// EnvSource reads the key from a configured string.
type EnvSource struct {
	Key string
}

func (s EnvSource) RelayerKey(context.Context) (*ecdsa.PrivateKey, error) {
	return parseKey(s.Key)
}

// ParameterGetter is the SSM call SSMSource needs.
type ParameterGetter interface {
	GetParameterWithContext(ctx aws.Context, in *ssm.GetParameterInput, opts ...request.Option) (*ssm.GetParameterOutput, error)
}

// SSMSource reads a SecureString parameter from AWS Systems Manager.
type SSMSource struct {
	client ParameterGetter
	name   string
}

// NewSSMSource builds an SSM-backed source using the default AWS credential chain.
func NewSSMSource(region, name string) (*SSMSource, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfig, "aws session")
	}
	return &SSMSource{client: ssm.New(sess), name: name}, nil
}

// NewSSMSourceWithClient is NewSSMSource with an injected client.
func NewSSMSourceWithClient(client ParameterGetter, name string) *SSMSource {
	return &SSMSource{client: client, name: name}
}

func (s *SSMSource) RelayerKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	out, err := s.client.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ssm.ErrCodeParameterNotFound {
			return nil, apperr.Wrap(err, apperr.KindConfig, "missing credentials")
		}
		return nil, apperr.Wrap(err, apperr.KindUpstream, "secret store unreachable")
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, apperr.Config("missing credentials")
	}
	return parseKey(*out.Parameter.Value)
}

// Cached memoizes the first successful load of an underlying source. Failures
// are not cached so a recovered secret store is picked up on the next call.
type Cached struct {
	src KeySource

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

func NewCached(src KeySource) *Cached {
	return &Cached{src: src}
}

func (c *Cached) RelayerKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.src.RelayerKey(ctx)
	if err != nil {
		return nil, err
	}
	c.key = key
	return key, nil
}
