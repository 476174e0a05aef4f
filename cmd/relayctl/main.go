// Command relayctl drives the relayer from a terminal: session keys, gasless
// enablement and relayed game calls.
package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gasless-relayer/client"
	"gasless-relayer/sessioncache"
)

const envPrefix = "RELAYCTL"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env wraps the resolved settings shared by every subcommand.
type env struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	e := &env{v: v}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Gasless relayer client",
		Long:          "Register session keys, enable gasless mode and relay game calls through the relayer.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e.out = cmd.OutOrStdout()
			return v.BindPFlags(cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", "http://localhost:8080", "Relayer base URL")
	flags.String("wallet-key", "", "Hex private key of the owner wallet")
	flags.String("wallet", "", "Owner wallet address (defaults to the address of --wallet-key)")
	flags.String("contract", "", "Game contract address")
	flags.String("cache-file", defaultCacheFile(), "Session key cache file")
	flags.StringP("output", "o", "text", "Output format: json|text")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newSessionCmd(e), newAACmd(e), newPlayCmd(e), newAdminCmd(e))
	return root
}

func defaultCacheFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relayctl-session.json"
	}
	return filepath.Join(home, ".relayctl", "session.json")
}

func (e *env) client() *client.Client {
	return client.New(e.v.GetString("server"))
}

func (e *env) cache() (*sessioncache.Cache, error) {
	path := e.v.GetString("cache-file")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return sessioncache.New(sessioncache.FilePersister{Path: path})
}

func (e *env) walletKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(e.v.GetString("wallet-key")), "0x")
	if raw == "" {
		return nil, fmt.Errorf("--wallet-key (or %s_WALLET_KEY) is required", envPrefix)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key")
	}
	return key, nil
}

// wallet resolves the owner address from --wallet or the wallet key.
func (e *env) wallet() (common.Address, error) {
	if w := e.v.GetString("wallet"); w != "" {
		if !common.IsHexAddress(w) {
			return common.Address{}, fmt.Errorf("invalid --wallet %q", w)
		}
		return common.HexToAddress(w), nil
	}
	key, err := e.walletKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (e *env) contract() (common.Address, error) {
	c := e.v.GetString("contract")
	if !common.IsHexAddress(c) {
		return common.Address{}, fmt.Errorf("--contract (or %s_CONTRACT) must be a contract address", envPrefix)
	}
	return common.HexToAddress(c), nil
}

// print writes v as indented JSON or as the text lines returned by text.
func (e *env) print(v any, text func() []string) error {
	switch e.v.GetString("output") {
	case "json":
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		for _, line := range text() {
			fmt.Fprintln(e.out, line)
		}
		return nil
	default:
		return fmt.Errorf("invalid --output: %s (use json|text)", e.v.GetString("output"))
	}
}
