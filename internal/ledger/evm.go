package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
)

// BreakerKey is the circuit breaker key guarding RPC calls.
const BreakerKey = "ledger.rpc"

const (
	// NativeGasLimit is the gas limit of a plain value transfer.
	NativeGasLimit = uint64(21000)

	// DefaultTokenGasLimit is used when ERC20 gas estimation fails.
	DefaultTokenGasLimit = uint64(100000)
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVM is a Client backed by an Ethereum JSON-RPC endpoint. Custody keypairs
// sign their own transactions; gas is paid in the native asset.
type EVM struct {
	client  EthClient
	chainID *big.Int
	erc20   abi.ABI
	breaker *circuitbreaker.Breaker
}

var (
	_ Client    = (*EVM)(nil)
	_ Presigner = (*EVM)(nil)
)

// NewEVM wraps a dialed client. A nil breaker gets a default one.
func NewEVM(client EthClient, chainID int64, breaker *circuitbreaker.Breaker) (*EVM, error) {
	if chainID == 0 {
		return nil, fmt.Errorf("ledger: chain ID required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse ERC20 ABI: %w", err)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	return &EVM{client: client, chainID: big.NewInt(chainID), erc20: parsed, breaker: breaker}, nil
}

// Balance implements Client.
func (e *EVM) Balance(ctx context.Context, address string, token Token) (amount.Units, error) {
	addr := common.HexToAddress(address)
	var out *big.Int
	err := e.guard(func() error {
		if token.Native() {
			bal, err := e.client.BalanceAt(ctx, addr, nil)
			if err != nil {
				return classify(err, "balance query failed")
			}
			out = bal
			return nil
		}
		data, err := e.erc20.Pack("balanceOf", addr)
		if err != nil {
			return fmt.Errorf("ledger: pack balanceOf: %w", err)
		}
		contract := common.HexToAddress(token.Contract)
		res, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return classify(err, "balanceOf call failed")
		}
		out = new(big.Int).SetBytes(res)
		return nil
	})
	if err != nil {
		return amount.Zero, err
	}
	return amount.FromBig(out), nil
}

// Transfer implements Client. Failures before the broadcast are marked
// NotSubmitted, as is a stale nonce on the freshly signed transaction. Once
// SendTransaction has been called the signed hash is returned with any
// other error, because the node may have accepted the transaction even if
// its answer never arrived.
func (e *EVM) Transfer(ctx context.Context, from *custody.Keypair, to string, token Token, amt amount.Units) (string, error) {
	signed, err := e.Sign(ctx, from, to, token, amt)
	if err != nil {
		return "", err
	}
	err = e.Broadcast(ctx, signed.Raw)
	switch {
	case err == nil:
		return signed.Signature, nil
	case errors.Is(err, ErrStaleNonce):
		return "", NotSubmitted(err)
	case errs.KindOf(err) == errs.KindInsufficientFunds:
		return "", err
	}
	return signed.Signature, err
}

// Sign implements Presigner. Every error it returns is Rejected.
func (e *EVM) Sign(ctx context.Context, from *custody.Keypair, to string, token Token, amt amount.Units) (Signed, error) {
	if !amt.IsPositive() {
		return Signed{}, errs.Validation("invalid_amount", "transfer amount must be positive")
	}
	var tx *types.Transaction
	err := e.guard(func() error {
		var err error
		tx, err = e.sign(ctx, from, common.HexToAddress(to), token, amt)
		return err
	})
	if err != nil {
		return Signed{}, NotSubmitted(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Signed{}, NotSubmitted(fmt.Errorf("ledger: encode transaction: %w", err))
	}
	return Signed{Signature: tx.Hash().Hex(), Raw: raw}, nil
}

// Broadcast implements Presigner.
func (e *EVM) Broadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return NotSubmitted(errs.Wrap(errs.KindValidation, "invalid_transaction", err, "signed transaction cannot be decoded"))
	}
	if !e.breaker.Allow(BreakerKey) {
		return NotSubmitted(errs.Network(circuitbreaker.ErrOpen, "ledger RPC circuit open"))
	}
	err := e.client.SendTransaction(ctx, tx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
		// The node already holds this exact transaction.
		err = nil
	}
	if err != nil {
		err = classify(err, "transaction submission failed")
	}
	e.record(err)
	return err
}

func (e *EVM) sign(ctx context.Context, from *custody.Keypair, recipient common.Address, token Token, amt amount.Units) (*types.Transaction, error) {
	sender := common.HexToAddress(from.Address())
	nonce, err := e.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, classify(err, "nonce lookup failed")
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "gas price lookup failed")
	}

	var tx *types.Transaction
	if token.Native() {
		tx = types.NewTransaction(nonce, recipient, amt.Big(), NativeGasLimit, gasPrice, nil)
	} else {
		data, err := e.erc20.Pack("transfer", recipient, amt.Big())
		if err != nil {
			return nil, fmt.Errorf("ledger: pack transfer: %w", err)
		}
		contract := common.HexToAddress(token.Contract)
		gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  sender,
			To:    &contract,
			Value: big.NewInt(0),
			Data:  data,
		})
		if err != nil {
			gasLimit = DefaultTokenGasLimit
		}
		tx = types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	}

	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), from.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("ledger: sign: %w", err)
	}
	return signed, nil
}

// Confirm implements Client.
func (e *EVM) Confirm(ctx context.Context, signature string) (TxStatus, error) {
	status := TxPending
	err := e.guard(func() error {
		receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(signature))
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		if err != nil {
			return classify(err, "receipt query failed")
		}
		if receipt.Status == types.ReceiptStatusFailed {
			status = TxFailed
		} else {
			status = TxConfirmed
		}
		return nil
	})
	return status, err
}

// Close closes the RPC connection.
func (e *EVM) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// record reports an outcome to the breaker. Only transport failures count
// against the endpoint.
func (e *EVM) record(err error) {
	if err != nil && errs.KindOf(err) == errs.KindNetwork {
		e.breaker.RecordFailure(BreakerKey)
		return
	}
	e.breaker.RecordSuccess(BreakerKey)
}

func (e *EVM) guard(fn func() error) error {
	err := e.breaker.Do(BreakerKey, func(err error) bool {
		return errs.KindOf(err) == errs.KindNetwork
	}, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errs.Network(err, "ledger RPC circuit open")
	}
	return err
}

// classify maps node errors onto the error taxonomy. Anything the node did
// not explicitly reject is treated as transport failure.
func classify(err error, message string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return errs.Wrap(errs.KindInsufficientFunds, "insufficient_balance", err, message)
	case strings.Contains(msg, "nonce too low"):
		return errs.Wrap(errs.KindConflict, ErrStaleNonce.Invariant, err, message)
	default:
		return errs.Network(err, message)
	}
}
