package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

var (
	uint256Type = mustType("uint256")
	uint8Type   = mustType("uint8")
	addressType = mustType("address")
	bytes32Type = mustType("bytes32")

	fillArgs = abi.Arguments{
		{Type: uint256Type}, // fill id
		{Type: bytes32Type}, // approval id
		{Type: uint256Type}, // round
		{Type: addressType}, // buy asset
		{Type: uint256Type}, // buy amount
		{Type: addressType}, // sell asset
		{Type: uint256Type}, // sell amount
		{Type: addressType}, // client
		{Type: addressType}, // instance
	}

	approvalArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: addressType},
		{Type: uint256Type},
		{Type: addressType},
		{Type: uint256Type},
		{Type: uint8Type},
		{Type: addressType},
		{Type: addressType},
	}

	authorizationArgs = abi.Arguments{{Type: addressType}, {Type: uint256Type}}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return common.BytesToHash(h.Sum(nil))
}

// ApprovalKey maps a free-form approval id to the bytes32 used on chain.
func ApprovalKey(approvalID string) common.Hash {
	return Keccak256([]byte(approvalID))
}

// BigAmount converts a base-unit amount into its on-chain integer form.
func BigAmount(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

// Digest canonical digest the operator signs for a fill.
func (f SignedFill) Digest() (common.Hash, error) {
	packed, err := fillArgs.Pack(
		new(big.Int).SetUint64(f.FillID),
		ApprovalKey(f.ApprovalID),
		new(big.Int).SetUint64(f.Round),
		f.Buy.Asset,
		BigAmount(f.Buy.Amount),
		f.Sell.Asset,
		BigAmount(f.Sell.Amount),
		f.ClientAddress,
		f.InstanceID,
	)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack fill")
	}
	return Keccak256(packed), nil
}

// Digest canonical digest the owner signs for an approval.
func (a Approval) Digest() (common.Hash, error) {
	packed, err := approvalArgs.Pack(
		ApprovalKey(a.ID),
		new(big.Int).SetUint64(a.Round),
		a.Buy.Asset,
		BigAmount(a.Buy.Amount),
		a.Sell.Asset,
		BigAmount(a.Sell.Amount),
		a.Intent.code(),
		a.Owner,
		a.InstanceID,
	)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack approval")
	}
	return Keccak256(packed), nil
}

// AuthorizationDigest digest the operator signs when admitting a client.
func AuthorizationDigest(client common.Address, round uint64) (common.Hash, error) {
	packed, err := authorizationArgs.Pack(client, new(big.Int).SetUint64(round))
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack authorization")
	}
	return Keccak256(packed), nil
}

// JoinDigest digest a client signs over its own address when asking to join.
func JoinDigest(client common.Address) common.Hash {
	return Keccak256(client.Bytes())
}

// CancelDigest digest a client signs to cancel an approval.
func CancelDigest(approvalID string) common.Hash {
	key := ApprovalKey(approvalID)
	return Keccak256(key.Bytes())
}
