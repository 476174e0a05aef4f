package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"gasless-relayer/client"
	"gasless-relayer/sessioncache"
	"gasless-relayer/signature"
)

func newSessionCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage the session key"}

	var ttl time.Duration
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session key, authorize it with the wallet and register it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := e.walletKey()
			if err != nil {
				return err
			}
			ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)

			sessionKey, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			publicKey := strings.ToLower(crypto.PubkeyToAddress(sessionKey.PublicKey).Hex())
			validUntil := time.Now().Add(ttl).Unix()

			sig, err := signature.Sign(signature.SessionKeyMessage(publicKey, ownerAddr, validUntil), owner)
			if err != nil {
				return err
			}
			res, err := e.client().RegisterSession(cmd.Context(), client.RegisterSessionRequest{
				UserAddress: ownerAddr.Hex(),
				PublicKey:   publicKey,
				Signature:   hexutil.Encode(sig),
				ValidUntil:  validUntil,
			})
			if err != nil {
				return err
			}

			cache, err := e.cache()
			if err != nil {
				return err
			}
			if err := cache.Set(sessioncache.Entry{
				OwnerWallet:   ownerAddr.Hex(),
				PublicKey:     publicKey,
				PrivateKeyHex: hexutil.Encode(crypto.FromECDSA(sessionKey)),
				ValidUntil:    validUntil,
			}); err != nil {
				return err
			}

			return e.print(res, func() []string {
				lines := []string{
					"session key: " + publicKey,
					"valid until: " + time.Unix(validUntil, 0).UTC().Format(time.RFC3339),
				}
				if res.TxHash != "" {
					lines = append(lines, "on-chain tx: "+res.TxHash)
				}
				return lines
			})
		},
	}
	newCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Session key lifetime")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Reconcile the cached session key with the relayer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wallet, err := e.wallet()
			if err != nil {
				return err
			}
			cache, err := e.cache()
			if err != nil {
				return err
			}
			outcome, err := sessioncache.NewReconciler(cache, e.client(), 0).Reconcile(cmd.Context(), wallet.Hex())
			if err != nil {
				if outcome != sessioncache.OutcomeKeptLocal {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: relayer unreachable, showing cached session:", err)
			}

			entry, ok := cache.Get()
			view := map[string]any{
				"outcome":          outcome,
				"hasSession":       ok,
				"canSign":          ok && entry.CanSign(),
				"remainingSeconds": cache.RemainingSeconds(),
			}
			if ok {
				view["publicKey"] = entry.PublicKey
			}
			return e.print(view, func() []string {
				if !ok {
					return []string{fmt.Sprintf("no session (%s)", outcome)}
				}
				return []string{
					"session key: " + entry.PublicKey,
					fmt.Sprintf("expires in:  %ds", cache.RemainingSeconds()),
					fmt.Sprintf("can sign:    %t", entry.CanSign()),
					fmt.Sprintf("reconcile:   %s", outcome),
				}
			})
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the cached session key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := e.cache()
			if err != nil {
				return err
			}
			entry, ok := cache.Get()
			if !ok {
				return fmt.Errorf("no cached session key")
			}
			if err := e.client().RevokeSession(cmd.Context(), entry.OwnerWallet, entry.PublicKey); err != nil {
				return err
			}
			if err := cache.Clear(); err != nil {
				return err
			}
			return e.print(map[string]any{"success": true, "publicKey": entry.PublicKey}, func() []string {
				return []string{"revoked " + entry.PublicKey}
			})
		},
	}

	cmd.AddCommand(newCmd, statusCmd, revokeCmd)
	return cmd
}
