package secrets

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gasless-relayer/apperr"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type mockSSM struct {
	mock.Mock
}

func (m *mockSSM) GetParameterWithContext(ctx aws.Context, in *ssm.GetParameterInput, _ ...request.Option) (*ssm.GetParameterOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*ssm.GetParameterOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestEnvSource(t *testing.T) {
	key, err := EnvSource{Key: "0x" + testKeyHex}.RelayerKey(context.Background())
	require.NoError(t, err)
	want, _ := crypto.HexToECDSA(testKeyHex)
	assert.Equal(t, crypto.PubkeyToAddress(want.PublicKey), crypto.PubkeyToAddress(key.PublicKey))

	_, err = EnvSource{}.RelayerKey(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindConfig))
	assert.ErrorContains(t, err, "missing credentials")

	_, err = EnvSource{Key: "nothex"}.RelayerKey(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "nothex")
}

func TestSSMSource(t *testing.T) {
	t.Run("decrypts parameter", func(t *testing.T) {
		m := new(mockSSM)
		m.On("GetParameterWithContext", mock.Anything, mock.MatchedBy(func(in *ssm.GetParameterInput) bool {
			return *in.Name == "/relayer/key" && *in.WithDecryption
		})).Return(&ssm.GetParameterOutput{Parameter: &ssm.Parameter{Value: aws.String(testKeyHex)}}, nil)

		key, err := NewSSMSourceWithClient(m, "/relayer/key").RelayerKey(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, key)
	})

	t.Run("missing parameter", func(t *testing.T) {
		m := new(mockSSM)
		m.On("GetParameterWithContext", mock.Anything, mock.Anything).
			Return(nil, awserr.New(ssm.ErrCodeParameterNotFound, "not found", nil))

		_, err := NewSSMSourceWithClient(m, "/relayer/key").RelayerKey(context.Background())
		assert.True(t, apperr.Is(err, apperr.KindConfig))
	})

	t.Run("store unreachable", func(t *testing.T) {
		m := new(mockSSM)
		m.On("GetParameterWithContext", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: timeout"))

		_, err := NewSSMSourceWithClient(m, "/relayer/key").RelayerKey(context.Background())
		assert.True(t, apperr.Is(err, apperr.KindUpstream))
	})
}

type countingSource struct {
	calls int
	err   error
}

func (c *countingSource) RelayerKey(context.Context) (*ecdsa.PrivateKey, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return crypto.HexToECDSA(testKeyHex)
}

func TestCachedRetriesAfterFailure(t *testing.T) {
	src := &countingSource{err: apperr.New(apperr.KindUpstream, "down")}
	c := NewCached(src)

	_, err := c.RelayerKey(context.Background())
	require.Error(t, err)

	src.err = nil
	k1, err := c.RelayerKey(context.Background())
	require.NoError(t, err)
	k2, err := c.RelayerKey(context.Background())
	require.NoError(t, err)

	assert.Same(t, k1, k2)
	assert.Equal(t, 2, src.calls)
}
