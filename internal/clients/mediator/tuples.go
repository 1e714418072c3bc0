package mediator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
)

// proofTuple on-chain form of domain.Proof.
type proofTuple struct {
	ClientOpeningBalance *big.Int
	TokenAddress         common.Address
	ClientAddress        common.Address
	Round                *big.Int
	Siblings             [][32]byte
	Trail                *big.Int
}

// fillTuple on-chain form of domain.SignedFill without the signature.
type fillTuple struct {
	FillId        *big.Int
	ApprovalId    [32]byte
	Round         *big.Int
	BuyAsset      common.Address
	BuyAmount     *big.Int
	SellAsset     common.Address
	SellAmount    *big.Int
	ClientAddress common.Address
	InstanceId    common.Address
}

type authorizationTuple struct {
	ClientAddress common.Address
	Round         *big.Int
	Signature     []byte
}

type haltedEvent struct {
	Round   *big.Int
	Quarter *big.Int
}

func toProofTuple(p domain.Proof) proofTuple {
	siblings := make([][32]byte, len(p.Path.Siblings))
	for i, h := range p.Path.Siblings {
		siblings[i] = h
	}
	return proofTuple{
		ClientOpeningBalance: domain.BigAmount(p.ClientOpeningBalance),
		TokenAddress:         p.TokenAddress,
		ClientAddress:        p.ClientAddress,
		Round:                new(big.Int).SetUint64(p.Round),
		Siblings:             siblings,
		Trail:                new(big.Int).SetUint64(p.Path.Trail),
	}
}

func toFillTuple(f domain.SignedFill) fillTuple {
	return fillTuple{
		FillId:        new(big.Int).SetUint64(f.FillID),
		ApprovalId:    domain.ApprovalKey(f.ApprovalID),
		Round:         new(big.Int).SetUint64(f.Round),
		BuyAsset:      f.Buy.Asset,
		BuyAmount:     domain.BigAmount(f.Buy.Amount),
		SellAsset:     f.Sell.Asset,
		SellAmount:    domain.BigAmount(f.Sell.Amount),
		ClientAddress: f.ClientAddress,
		InstanceId:    f.InstanceID,
	}
}

// disputeArgs converts d into the openDispute argument list.
func disputeArgs(d domain.Dispute) ([]interface{}, error) {
	if len(d.Fills) != len(d.Signatures) {
		return nil, errors.Errorf("dispute has %d fills and %d signatures", len(d.Fills), len(d.Signatures))
	}

	proofs := make([]proofTuple, len(d.Proofs))
	for i, p := range d.Proofs {
		proofs[i] = toProofTuple(p)
	}
	fills := make([]fillTuple, len(d.Fills))
	for i, f := range d.Fills {
		fills[i] = toFillTuple(f)
	}
	sigs := make([][]byte, len(d.Signatures))
	copy(sigs, d.Signatures)

	auth := authorizationTuple{
		ClientAddress: d.Authorization.Client,
		Round:         new(big.Int).SetUint64(d.Authorization.Round),
		Signature:     d.Authorization.Signature,
	}

	return []interface{}{proofs, fills, sigs, auth}, nil
}
