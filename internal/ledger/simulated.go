package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
)

// SimTransfer is a transfer executed by the simulated ledger.
type SimTransfer struct {
	Signature string
	From      string
	To        string
	Token     string
	Amount    amount.Units
	Fee       amount.Units
}

// Simulated is an in-memory ledger for development and tests. Each transfer
// is charged a network fee in the transferred token, paid by the sender.
type Simulated struct {
	mu         sync.Mutex
	balances   map[string]map[string]amount.Units // address -> symbol -> balance
	txs        map[string]TxStatus
	transfers  []SimTransfer
	networkFee amount.Units

	failures      []error          // consumed one per Transfer call, before anything moves
	confirmErr    error            // returned by Confirm with TxFailed while set
	lost          []bool           // consumed after a transfer applies; true keeps the signature
	failTo        map[string]error // recipient -> error
	offline       bool
	pendingChecks int // Confirm returns pending this many times per signature
	checks        map[string]int
}

var _ Client = (*Simulated)(nil)

// NewSimulated creates a simulated ledger charging networkFee per transfer.
func NewSimulated(networkFee amount.Units) *Simulated {
	return &Simulated{
		balances:   make(map[string]map[string]amount.Units),
		txs:        make(map[string]TxStatus),
		networkFee: networkFee,
		failTo:     make(map[string]error),
		checks:     make(map[string]int),
	}
}

// Credit adds amt of token to address, as an external deposit would.
func (s *Simulated) Credit(address string, token Token, amt amount.Units) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(address, token.Symbol, amt)
}

// FailNext makes the next Transfer calls fail with errs, in order.
func (s *Simulated) FailNext(errList ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errList...)
}

// LoseNextResponse makes the next Transfer apply and then report a network
// error, as when a node accepts a transaction but the reply is lost. With
// keepSignature the signature is returned alongside the error.
func (s *Simulated) LoseNextResponse(keepSignature bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, keepSignature)
}

// FailConfirms makes Confirm report err with TxFailed until cleared with
// nil, like an RPC that errors without knowing the transaction's fate.
func (s *Simulated) FailConfirms(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

// FailTransfersTo makes every transfer to address fail with err until cleared
// with a nil err.
func (s *Simulated) FailTransfersTo(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := strings.ToLower(address)
	if err == nil {
		delete(s.failTo, addr)
		return
	}
	s.failTo[addr] = err
}

// SetOffline makes every call fail with a network error.
func (s *Simulated) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetPendingChecks makes Confirm report pending n times before confirming.
func (s *Simulated) SetPendingChecks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingChecks = n
}

// Transfers returns a copy of the executed transfers.
func (s *Simulated) Transfers() []SimTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimTransfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

// Balance implements Client.
func (s *Simulated) Balance(_ context.Context, address string, token Token) (amount.Units, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return amount.Zero, errs.Network(fmt.Errorf("simulated ledger offline"), "balance query failed")
	}
	return s.get(address, token.Symbol), nil
}

// Transfer implements Client.
func (s *Simulated) Transfer(_ context.Context, from *custody.Keypair, to string, token Token, amt amount.Units) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return "", NotSubmitted(errs.Network(fmt.Errorf("simulated ledger offline"), "transfer submission failed"))
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", NotSubmitted(err)
	}
	if err, ok := s.failTo[strings.ToLower(to)]; ok {
		return "", NotSubmitted(err)
	}
	if !amt.IsPositive() {
		return "", errs.Validation("invalid_amount", "transfer amount must be positive")
	}

	cost := amt.Add(s.networkFee)
	if s.get(from.Address(), token.Symbol).LessThan(cost) {
		return "", errs.InsufficientFunds(fmt.Sprintf("%s holds less than %s %s", from.Address(), cost, token.Symbol))
	}
	s.add(from.Address(), token.Symbol, amount.Zero.Sub(cost))
	s.add(to, token.Symbol, amt)

	sig := "sim_" + idgen.Hex(16)
	s.txs[sig] = TxConfirmed
	s.transfers = append(s.transfers, SimTransfer{
		Signature: sig,
		From:      from.Address(),
		To:        strings.ToLower(to),
		Token:     token.Symbol,
		Amount:    amt,
		Fee:       s.networkFee,
	})
	if len(s.lost) > 0 {
		keep := s.lost[0]
		s.lost = s.lost[1:]
		err := errs.Network(fmt.Errorf("connection reset by peer"), "transfer submission failed")
		if keep {
			return sig, err
		}
		return "", err
	}
	return sig, nil
}

// Confirm implements Client.
func (s *Simulated) Confirm(_ context.Context, signature string) (TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return TxPending, errs.Network(fmt.Errorf("simulated ledger offline"), "confirmation query failed")
	}
	if s.confirmErr != nil {
		return TxFailed, s.confirmErr
	}
	status, ok := s.txs[signature]
	if !ok {
		return TxFailed, errs.NotFound("transaction_not_found", "unknown signature "+signature)
	}
	if s.checks[signature] < s.pendingChecks {
		s.checks[signature]++
		return TxPending, nil
	}
	return status, nil
}

func (s *Simulated) get(address, symbol string) amount.Units {
	if m, ok := s.balances[strings.ToLower(address)]; ok {
		return m[strings.ToUpper(symbol)]
	}
	return amount.Zero
}

func (s *Simulated) add(address, symbol string, delta amount.Units) {
	addr := strings.ToLower(address)
	m, ok := s.balances[addr]
	if !ok {
		m = make(map[string]amount.Units)
		s.balances[addr] = m
	}
	sym := strings.ToUpper(symbol)
	m[sym] = m[sym].Add(delta)
}
