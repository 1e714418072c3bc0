// Package mediator binds the on-chain mediator contract.
package mediator

import (
	"context"
	_ "embed"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"go.uber.org/zap"
)

var (
	//go:embed abi/mediator.json
	mediatorABIJSON string
	//go:embed abi/erc20.json
	erc20ABIJSON string

	mediatorABI = mustParseABI(mediatorABIJSON)
	erc20ABI    = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend the chain access the gateway needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Signer produces transaction options for the client wallet.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error)
}

// Gateway calls the mediator contract on behalf of one wallet.
type Gateway struct {
	backend  Backend
	address  common.Address
	contract *bind.BoundContract
	signer   Signer
	chainID  *big.Int
	logger   *zap.Logger
	closer   func()
}

// Dial connects to rpcURL and binds the mediator at address.
func Dial(ctx context.Context, rpcURL string, address common.Address, signer Signer, logger *zap.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "fetch chain id")
	}

	g := New(client, address, signer, chainID, logger)
	g.closer = client.Close
	return g, nil
}

// New binds the mediator at address over backend.
func New(backend Backend, address common.Address, signer Signer, chainID *big.Int, logger *zap.Logger) *Gateway {
	return &Gateway{
		backend:  backend,
		address:  address,
		contract: bind.NewBoundContract(address, mediatorABI, backend, backend, backend),
		signer:   signer,
		chainID:  chainID,
		logger:   logger,
	}
}

// Address mediator contract address.
func (g *Gateway) Address() common.Address {
	return g.address
}

// ChainID chain the gateway signs transactions for.
func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// Close releases the RPC connection if the gateway owns it.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// CurrentRound returns the mediator's current round.
func (g *Gateway) CurrentRound(ctx context.Context) (uint64, error) {
	return g.callUint64(ctx, "getCurrentRound")
}

// CurrentQuarter returns the quarter of the current round.
func (g *Gateway) CurrentQuarter(ctx context.Context) (domain.Quarter, error) {
	q, err := g.callUint64(ctx, "getCurrentQuarter")
	if err != nil {
		return 0, err
	}
	quarter := domain.Quarter(q)
	if !quarter.Valid() {
		return 0, errors.Errorf("mediator reported quarter %d", q)
	}
	return quarter, nil
}

// RoundSize returns the number of blocks per round.
func (g *Gateway) RoundSize(ctx context.Context) (uint64, error) {
	return g.callUint64(ctx, "roundSize")
}

// BlockNumberAtCreation returns the block the mediator was deployed at.
func (g *Gateway) BlockNumberAtCreation(ctx context.Context) (uint64, error) {
	return g.callUint64(ctx, "blockNumberAtCreation")
}

// IsHalted reports whether the mediator halted.
func (g *Gateway) IsHalted(ctx context.Context) (bool, error) {
	var out []interface{}
	if err := g.contract.Call(g.callOpts(ctx), &out, "halted"); err != nil {
		return false, errors.Wrap(err, "call halted")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// RegisteredTokens returns the sorted list of registered asset addresses.
func (g *Gateway) RegisteredTokens(ctx context.Context) ([]common.Address, error) {
	var out []interface{}
	if err := g.contract.Call(g.callOpts(ctx), &out, "getSortedListOfRegisteredTokensAddresses"); err != nil {
		return nil, errors.Wrap(err, "call getSortedListOfRegisteredTokensAddresses")
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

// IsProofValid checks the proof against the Merkle root committed for round.
func (g *Gateway) IsProofValid(ctx context.Context, proof domain.Proof, round uint64) (bool, error) {
	var out []interface{}
	err := g.contract.Call(g.callOpts(ctx), &out, "isProofValid", toProofTuple(proof), new(big.Int).SetUint64(round))
	if err != nil {
		return false, errors.Wrap(err, "call isProofValid")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// ActiveWithdrawalRound returns the round of the pending withdrawal of wallet in asset, 0 if none.
func (g *Gateway) ActiveWithdrawalRound(ctx context.Context, asset, wallet common.Address) (uint64, error) {
	return g.callUint64(ctx, "getActiveWithdrawalRound", asset, wallet)
}

// RequestedWithdrawalAmount returns the amount requested by wallet in asset at round.
func (g *Gateway) RequestedWithdrawalAmount(ctx context.Context, round uint64, asset, wallet common.Address) (decimal.Decimal, error) {
	v, err := g.callBig(ctx, "requestedWithdrawalAmount", new(big.Int).SetUint64(round), asset, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(v, 0), nil
}

// Deposit moves amount of asset into the mediator. The zero address deposits the native asset;
// tokens are approved for the mediator first.
func (g *Gateway) Deposit(ctx context.Context, asset common.Address, amount decimal.Decimal) (common.Hash, error) {
	value := domain.BigAmount(amount)
	if asset == (common.Address{}) {
		return g.transact(ctx, g.contract, value, "depositEther")
	}

	token := bind.NewBoundContract(asset, erc20ABI, g.backend, g.backend, g.backend)
	if _, err := g.transact(ctx, token, nil, "approve", g.address, value); err != nil {
		return common.Hash{}, errors.Wrapf(err, "approve %s", asset.Hex())
	}
	return g.transact(ctx, g.contract, nil, "depositTokens", asset, value)
}

// InitiateWithdrawal requests a withdrawal of amount backed by proof.
func (g *Gateway) InitiateWithdrawal(ctx context.Context, proof domain.Proof, amount decimal.Decimal) (common.Hash, error) {
	return g.transact(ctx, g.contract, nil, "initiateWithdrawal", toProofTuple(proof), domain.BigAmount(amount))
}

// ConfirmWithdrawal completes the active withdrawal in asset.
func (g *Gateway) ConfirmWithdrawal(ctx context.Context, asset common.Address) (common.Hash, error) {
	return g.transact(ctx, g.contract, nil, "confirmWithdrawal", asset)
}

// OpenDispute submits a balance dispute.
func (g *Gateway) OpenDispute(ctx context.Context, d domain.Dispute) (common.Hash, error) {
	args, err := disputeArgs(d)
	if err != nil {
		return common.Hash{}, err
	}
	return g.transact(ctx, g.contract, nil, "openDispute", args...)
}

// RecoverAllFunds recovers on-chain funds plus the proven off-chain balance of proof's asset.
func (g *Gateway) RecoverAllFunds(ctx context.Context, proof domain.Proof) (common.Hash, error) {
	return g.transact(ctx, g.contract, nil, "recoverAllFunds", toProofTuple(proof))
}

// RecoverOnChainFundsOnly recovers funds deposited on chain in asset.
func (g *Gateway) RecoverOnChainFundsOnly(ctx context.Context, asset common.Address) (common.Hash, error) {
	return g.transact(ctx, g.contract, nil, "recoverOnChainFundsOnly", asset)
}

// SubscribeNewBlocks delivers the number of every new chain head to sink.
func (g *Gateway) SubscribeNewBlocks(ctx context.Context, sink chan<- uint64) (event.Subscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := g.backend.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe new heads")
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case h := <-headers:
				select {
				case sink <- h.Number.Uint64():
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// SubscribeHalted delivers the round at which the mediator halted to sink.
func (g *Gateway) SubscribeHalted(ctx context.Context, sink chan<- uint64) (event.Subscription, error) {
	logs, sub, err := g.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, "Halted")
	if err != nil {
		return nil, errors.Wrap(err, "watch Halted")
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				var ev haltedEvent
				if err := g.contract.UnpackLog(&ev, "Halted", log); err != nil {
					return err
				}
				select {
				case sink <- ev.Round.Uint64():
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (g *Gateway) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, From: g.signer.Address()}
}

func (g *Gateway) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := g.contract.Call(g.callOpts(ctx), &out, method, args...); err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *Gateway) callUint64(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	v, err := g.callBig(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, errors.Errorf("%s returned %s, overflows uint64", method, v)
	}
	return v.Uint64(), nil
}

// transact sends the call and waits until it is mined.
func (g *Gateway) transact(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	opts, err := g.signer.TransactOpts(ctx, g.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	opts.Value = value

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "send %s", method)
	}
	g.logger.Debug("transaction sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		return tx.Hash(), errors.Wrapf(err, "wait for %s", method)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), errors.Errorf("%s reverted in tx %s", method, tx.Hash().Hex())
	}

	return tx.Hash(), nil
}
