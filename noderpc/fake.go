package noderpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"
)

// FakeBackend is an in-memory Backend used by tests and local development.
// Deposits are scripted via Fund; sends are recorded for assertions.
type FakeBackend struct {
	mu sync.Mutex

	received      map[string]ReceivedInfo
	valid         map[string]bool
	sent          []FakeSend
	nextAddr      int
	SendErr       error
	SendErrBudget int
}

// FakeSend records one SendToAddress call.
type FakeSend struct {
	Address string
	Amount  btcutil.Amount
	TxID    string
}

// NewFakeBackend constructs an empty fake node.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		received: make(map[string]ReceivedInfo),
		valid:    make(map[string]bool),
	}
}

// Fund scripts a deposit observation for an address.
func (f *FakeBackend) Fund(address string, amount btcutil.Amount, confirmations int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[address] = ReceivedInfo{
		Amount:        amount,
		Confirmations: confirmations,
		TxIDs:         []string{uuid.NewString()},
	}
}

// MarkValid registers an address as valid.
func (f *FakeBackend) MarkValid(addresses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, addr := range addresses {
		f.valid[addr] = true
	}
}

// Sends returns a copy of all recorded sends.
func (f *FakeBackend) Sends() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// ValidateAddress reports scripted validity; unknown addresses are valid
// unless explicitly marked otherwise, so tests only script the negatives.
func (f *FakeBackend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if valid, ok := f.valid[address]; ok {
		return valid, nil
	}
	return true, nil
}

// MarkInvalid registers an address as invalid.
func (f *FakeBackend) MarkInvalid(addresses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, addr := range addresses {
		f.valid[addr] = false
	}
}

// GetNewAddress mints a deterministic fresh address.
func (f *FakeBackend) GetNewAddress(ctx context.Context, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAddr++
	return fmt.Sprintf("fake-%s-%d", label, f.nextAddr), nil
}

// SendToAddress records the transfer, honouring any scripted error budget:
// with SendErr set, the next SendErrBudget calls fail (a negative budget
// fails every call).
func (f *FakeBackend) SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil && f.SendErrBudget != 0 {
		if f.SendErrBudget > 0 {
			f.SendErrBudget--
		}
		return "", f.SendErr
	}
	txid := uuid.NewString()
	f.sent = append(f.sent, FakeSend{Address: address, Amount: amount, TxID: txid})
	return txid, nil
}

// GetReceivedByAddress returns the scripted deposit amount when the
// confirmation threshold is met.
func (f *FakeBackend) GetReceivedByAddress(ctx context.Context, address string, minConf int64) (btcutil.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.received[address]
	if !ok || info.Confirmations < minConf {
		return 0, nil
	}
	return info.Amount, nil
}

// ListReceived returns the scripted deposit observation.
func (f *FakeBackend) ListReceived(ctx context.Context, address string) (*ReceivedInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.received[address]
	out := info
	out.TxIDs = append([]string(nil), info.TxIDs...)
	return &out, nil
}

// NewTransientError exposes the transient classification to tests scripting
// retry behaviour.
func NewTransientError(err error) error {
	return &transientError{err: err}
}
