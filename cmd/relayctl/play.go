package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"gasless-relayer/client"
	"gasless-relayer/signature"
)

func newPlayCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "play", Short: "Relay game calls signed by the session key"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "register-player USERNAME",
			Short: "Create the player profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return e.relay(cmd, "registerPlayer", []any{args[0]})
			},
		},
		&cobra.Command{
			Use:   "update-username USERNAME",
			Short: "Rename the player",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return e.relay(cmd, "updateUsername", []any{args[0]})
			},
		},
		&cobra.Command{
			Use:   "submit-score SCORE [REPLAY_HASH]",
			Short: "Submit a score",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				score, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid score %q", args[0])
				}
				replay := common.Hash{}
				if len(args) == 2 {
					raw, err := hexutil.Decode(args[1])
					if err != nil || len(raw) != common.HashLength {
						return fmt.Errorf("replay hash must be 32 bytes of hex")
					}
					replay = common.BytesToHash(raw)
				}
				// the score travels as a decimal string so large values survive JSON
				return e.relay(cmd, "submitScore", []any{strconv.FormatUint(score, 10), replay.Hex()})
			},
		},
	)
	return cmd
}

// relay signs function(args) with the cached session key and sends it.
func (e *env) relay(cmd *cobra.Command, function string, args []any) error {
	contract, err := e.contract()
	if err != nil {
		return err
	}
	cache, err := e.cache()
	if err != nil {
		return err
	}
	entry, ok := cache.Get()
	if !ok || !cache.IsValid() {
		return fmt.Errorf("no valid session key, run: relayctl session new")
	}
	if !entry.CanSign() {
		return fmt.Errorf("cached session key was created elsewhere and cannot sign here")
	}
	sessionKey, err := crypto.HexToECDSA(strings.TrimPrefix(entry.PrivateKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("corrupt session key cache")
	}

	owner := common.HexToAddress(entry.OwnerWallet)
	msg, err := signature.CallMessage(owner, contract, function, args)
	if err != nil {
		return err
	}
	sig, err := signature.Sign(msg, sessionKey)
	if err != nil {
		return err
	}

	res, err := e.client().SendTransaction(cmd.Context(), client.TransactionRequest{
		UserAddress:     owner.Hex(),
		PublicKey:       entry.PublicKey,
		Signature:       hexutil.Encode(sig),
		ContractAddress: contract.Hex(),
		FunctionName:    function,
		Args:            args,
	})
	if err != nil {
		return err
	}
	return e.print(res, func() []string {
		return []string{fmt.Sprintf("%s %s (%s)", function, res.Status, res.TxHash)}
	})
}
