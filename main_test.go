package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasless-relayer/apperr"
	"gasless-relayer/config"
)

func TestKeySource(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	src, err := keySource(&config.Config{RelayerKeySource: "env", RelayerPrivateKey: hexutil.Encode(crypto.FromECDSA(key))})
	require.NoError(t, err)
	got, err := src.RelayerKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(got.PublicKey))

	src, err = keySource(&config.Config{RelayerKeySource: "env"})
	require.NoError(t, err)
	_, err = src.RelayerKey(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}
