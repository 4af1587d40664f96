package commitreveal

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var preimageArgs abi.Arguments

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
		}
		return typ
	}

	preimageArgs = abi.Arguments{
		{Name: "submitter", Type: mustType("address")},
		{Name: "intentionId", Type: mustType("bytes32")},
		{Name: "amount", Type: mustType("uint256")},
		{Name: "price", Type: mustType("uint256")},
		{Name: "nonce", Type: mustType("bytes32")},
	}
}

// EncodePreimage returns abi.encode(submitter, intentionId, amount, price, nonce)
func EncodePreimage(submitter common.Address, intentionID common.Hash, amount, price *big.Int, nonce common.Hash) ([]byte, error) {
	if amount == nil || price == nil {
		return nil, fmt.Errorf("amount and price required")
	}
	if amount.Sign() < 0 || price.Sign() < 0 {
		return nil, fmt.Errorf("amount and price must be non-negative")
	}
	return preimageArgs.Pack(submitter, [32]byte(intentionID), amount, price, [32]byte(nonce))
}

// ComputeCommitment is the hash a submitter commits to before revealing
func ComputeCommitment(submitter common.Address, intentionID common.Hash, amount, price *big.Int, nonce common.Hash) (common.Hash, error) {
	preimage, err := EncodePreimage(submitter, intentionID, amount, price, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(preimage), nil
}
