package chain

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed game_abi.json
var gameABIJSON string

// GameABI is the parsed interface of the game contract.
var GameABI = mustParseABI(gameABIJSON)

// SmartAccountRegisteredTopic is the topic0 of SmartAccountRegistered.
var SmartAccountRegisteredTopic = GameABI.Events["SmartAccountRegistered"].ID

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid game contract ABI: %v", err))
	}
	return parsed
}

// Pack encodes a call to method on the game contract.
func Pack(method string, args ...any) ([]byte, error) {
	return GameABI.Pack(method, args...)
}

// PackJSON encodes a call whose arguments arrived as decoded JSON values,
// converting each to the Go type the ABI input expects.
func PackJSON(method string, raw []any) ([]byte, error) {
	m, ok := GameABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if len(raw) != len(m.Inputs) {
		return nil, fmt.Errorf("%s expects %d args, got %d", method, len(m.Inputs), len(raw))
	}
	args := make([]any, len(raw))
	for i, in := range m.Inputs {
		v, err := convertArg(in.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("arg %d (%s): %w", i, in.Name, err)
		}
		args[i] = v
	}
	return GameABI.Pack(method, args...)
}

func convertArg(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string")
		}
		return s, nil
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool")
		}
		return b, nil
	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected address")
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("negative value for %s", t.String())
		}
		if t.Size > 64 {
			return n, nil
		}
		if t.T == abi.UintTy {
			return convertSmallUint(t.Size, n)
		}
		return nil, fmt.Errorf("unsupported type %s", t.String())
	case abi.FixedBytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string")
		}
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil || len(b) != t.Size {
			return nil, fmt.Errorf("expected %d hex bytes", t.Size)
		}
		if t.Size != 32 {
			return nil, fmt.Errorf("unsupported type %s", t.String())
		}
		var out [32]byte
		copy(out[:], b)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", t.String())
	}
}

func convertSmallUint(size int, n *big.Int) (any, error) {
	if n.BitLen() > size {
		return nil, fmt.Errorf("value overflows uint%d", size)
	}
	switch size {
	case 8:
		return uint8(n.Uint64()), nil
	case 16:
		return uint16(n.Uint64()), nil
	case 32:
		return uint32(n.Uint64()), nil
	default:
		return n.Uint64(), nil
	}
}

func toBigInt(v any) (*big.Int, error) {
	switch x := v.(type) {
	case float64:
		if x != float64(int64(x)) {
			return nil, fmt.Errorf("expected integer")
		}
		return big.NewInt(int64(x)), nil
	case json.Number:
		n, ok := new(big.Int).SetString(x.String(), 10)
		if !ok {
			return nil, fmt.Errorf("expected integer")
		}
		return n, nil
	case string:
		n, ok := new(big.Int).SetString(x, 0)
		if !ok {
			return nil, fmt.Errorf("expected integer string")
		}
		return n, nil
	case int:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case *big.Int:
		return x, nil
	default:
		return nil, fmt.Errorf("expected integer")
	}
}
