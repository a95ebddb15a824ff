package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Purchase is the cross-chain purchase intent carried in a relay payload:
// which asset to release and who receives it on the home ledger.
type Purchase struct {
	AssetContract common.Address
	AssetID       *big.Int
	Recipient     common.Address
}

// purchaseArgs is the ABI tuple (address,uint256,address) so the wire bytes
// match what a Solidity peer marketplace would abi.encode.
var purchaseArgs = abi.Arguments{
	{Name: "assetContract", Type: mustType("address")},
	{Name: "assetId", Type: mustType("uint256")},
	{Name: "recipient", Type: mustType("address")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("chain: bad abi type %q: %v", t, err))
	}
	return typ
}

// EncodePurchase packs a purchase intent into relay payload bytes.
func EncodePurchase(p Purchase) ([]byte, error) {
	if p.AssetID == nil {
		return nil, fmt.Errorf("chain: encode purchase: nil asset id")
	}
	data, err := purchaseArgs.Pack(p.AssetContract, p.AssetID, p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("chain: encode purchase: %w", err)
	}
	return data, nil
}

// DecodePurchase unpacks relay payload bytes into a purchase intent.
func DecodePurchase(data []byte) (Purchase, error) {
	vals, err := purchaseArgs.Unpack(data)
	if err != nil {
		return Purchase{}, fmt.Errorf("chain: decode purchase: %w", err)
	}
	contract, ok := vals[0].(common.Address)
	if !ok {
		return Purchase{}, fmt.Errorf("chain: decode purchase: bad assetContract")
	}
	id, ok := vals[1].(*big.Int)
	if !ok {
		return Purchase{}, fmt.Errorf("chain: decode purchase: bad assetId")
	}
	recipient, ok := vals[2].(common.Address)
	if !ok {
		return Purchase{}, fmt.Errorf("chain: decode purchase: bad recipient")
	}
	return Purchase{AssetContract: contract, AssetID: id, Recipient: recipient}, nil
}
