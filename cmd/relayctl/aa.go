package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"gasless-relayer/client"
	"gasless-relayer/signature"
)

func newAACmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "aa", Short: "Gasless (account abstraction) mode"}

	var eip7702 bool
	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Sign the enable message and bind a smart account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := e.walletKey()
			if err != nil {
				return err
			}
			owner := crypto.PubkeyToAddress(key.PublicKey)
			msg := signature.EnableMessage(owner, time.Now())
			sig, err := signature.Sign(msg, key)
			if err != nil {
				return err
			}

			res, err := e.client().EnableAA(cmd.Context(), client.EnableRequest{
				Signature:     hexutil.Encode(sig),
				Message:       msg,
				WalletAddress: owner.Hex(),
				UseEIP7702:    eip7702,
			})
			if err != nil {
				return err
			}
			return e.print(res, func() []string {
				lines := []string{"smart account: " + res.SmartAccountAddress}
				switch {
				case res.Pending:
					lines = append(lines, "registration pending: "+res.TxHash)
				case res.TxHash != "":
					lines = append(lines, "registered in:  "+res.TxHash)
				default:
					lines = append(lines, "already enabled")
				}
				return lines
			})
		},
	}
	enableCmd.Flags().BoolVar(&eip7702, "eip7702", false, "Use the wallet itself as the smart account")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether gasless mode is enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wallet, err := e.wallet()
			if err != nil {
				return err
			}
			st, err := e.client().AAStatus(cmd.Context(), wallet.Hex())
			if err != nil {
				return err
			}
			return e.print(st, func() []string {
				lines := []string{fmt.Sprintf("enabled:    %t", st.IsEnabled)}
				if st.SmartAccountAddress != nil {
					lines = append(lines, "account:    "+*st.SmartAccountAddress)
				}
				if st.IsUncertain {
					lines = append(lines, "note:       chain unreachable, last known answer")
				}
				if st.PlayerUsername != nil {
					lines = append(lines, "player:     "+*st.PlayerUsername)
				}
				return lines
			})
		},
	}

	cmd.AddCommand(enableCmd, statusCmd)
	return cmd
}
