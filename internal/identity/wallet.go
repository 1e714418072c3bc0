// Package identity holds the client's signing key and verifies operator signatures.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
)

const (
	signatureLength = 65
	recoveryOffset  = 27
)

// Wallet signs payloads with a secp256k1 key.
type Wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewWallet parses a hex encoded private key, with or without 0x prefix.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}

	return FromKey(privateKey)
}

// FromKey wraps an existing private key.
func FromKey(privateKey *ecdsa.PrivateKey) (*Wallet, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	return &Wallet{key: privateKey, addr: crypto.PubkeyToAddress(*pub)}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.addr
}

// Sign signs a 32-byte digest. The signature is [R || S || V] with V in {0, 1}.
func (w *Wallet) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), w.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	return sig, nil
}

// TransactOpts returns transaction options signing with the wallet key.
func (w *Wallet) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "build transactor")
	}
	opts.Context = ctx
	return opts, nil
}

// Recover returns the address that produced sig over digest.
// Both V conventions (0/1 and 27/28) are accepted.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, errors.Wrapf(domain.ErrSignatureInvalid, "unexpected signature length %d", len(sig))
	}

	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[64] >= recoveryOffset {
		normalized[64] -= recoveryOffset
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, errors.Wrapf(domain.ErrSignatureInvalid, "recover signer: %v", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over digest was produced by expected.
func VerifySigner(digest common.Hash, sig []byte, expected common.Address) error {
	signer, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return errors.Wrapf(domain.ErrSignatureInvalid, "signed by %s, expected %s", signer.Hex(), expected.Hex())
	}
	return nil
}
