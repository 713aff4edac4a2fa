// Package testutil provides shared test infrastructure, most notably a
// configurable in-memory wallet provider.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/workdrop/escrowd/internal/chain"
)

// FakeProvider is a chain.Provider for tests. Zero value defaults are
// permissive: transactions are accepted and confirm immediately with a
// successful receipt. Override the Fn fields to script failures.
//
// Emit* methods drive the provider-side notifications the way a real
// wallet would.
type FakeProvider struct {
	mu sync.Mutex

	Accounts []common.Address
	Chain    *big.Int

	RequestAccountsErr error
	ChainIDErr         error

	SwitchChainFn     func(ctx context.Context, chainID *big.Int) error
	AddChainFn        func(ctx context.Context, params chain.AddChainParams) error
	SendFn            func(ctx context.Context, req chain.TxRequest) (common.Hash, error)
	CallFn            func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGasFn     func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPriceFn func(ctx context.Context) (*big.Int, error)
	ReceiptFn         func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogsFn      func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumberFn     func(ctx context.Context) (uint64, error)

	SentTxs        []chain.TxRequest
	SwitchCalls    []*big.Int
	AddChainCalls  []chain.AddChainParams
	FilterCalls    []ethereum.FilterQuery
	ClosedNotified bool

	accountSubs map[int]func([]common.Address)
	chainSubs   map[int]func(*big.Int)
	nextSub     int
}

// NewFakeProvider returns a provider with one connected account on the
// given chain.
func NewFakeProvider(chainID int64, accounts ...common.Address) *FakeProvider {
	if len(accounts) == 0 {
		accounts = []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}
	}
	return &FakeProvider{
		Accounts: accounts,
		Chain:    big.NewInt(chainID),
	}
}

func (f *FakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RequestAccountsErr != nil {
		return nil, f.RequestAccountsErr
	}
	return append([]common.Address(nil), f.Accounts...), nil
}

func (f *FakeProvider) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChainIDErr != nil {
		return nil, f.ChainIDErr
	}
	return new(big.Int).Set(f.Chain), nil
}

func (f *FakeProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	f.mu.Lock()
	f.SwitchCalls = append(f.SwitchCalls, new(big.Int).Set(chainID))
	fn := f.SwitchChainFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, chainID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.Chain = new(big.Int).Set(chainID)
	f.mu.Unlock()
	return nil
}

func (f *FakeProvider) AddChain(ctx context.Context, params chain.AddChainParams) error {
	f.mu.Lock()
	f.AddChainCalls = append(f.AddChainCalls, params)
	fn := f.AddChainFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, params)
	}
	return nil
}

func (f *FakeProvider) SendTransaction(ctx context.Context, req chain.TxRequest) (common.Hash, error) {
	if f.SendFn != nil {
		return f.SendFn(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentTxs = append(f.SentTxs, req)
	return common.HexToHash(fmt.Sprintf("0x%064x", len(f.SentTxs))), nil
}

func (f *FakeProvider) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.CallFn != nil {
		return f.CallFn(ctx, call, blockNumber)
	}
	return nil, fmt.Errorf("testutil: no CallFn configured")
}

func (f *FakeProvider) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.EstimateGasFn != nil {
		return f.EstimateGasFn(ctx, call)
	}
	return 100000, nil
}

func (f *FakeProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.SuggestGasPriceFn != nil {
		return f.SuggestGasPriceFn(ctx)
	}
	return big.NewInt(25_000_000_000), nil
}

func (f *FakeProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.ReceiptFn != nil {
		return f.ReceiptFn(ctx, txHash)
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(1),
		GasUsed:     65000,
	}, nil
}

func (f *FakeProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	f.FilterCalls = append(f.FilterCalls, q)
	fn := f.FilterLogsFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, q)
	}
	return nil, nil
}

func (f *FakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	if f.BlockNumberFn != nil {
		return f.BlockNumberFn(ctx)
	}
	return 1, nil
}

func (f *FakeProvider) SubscribeAccountsChanged(fn func(accounts []common.Address)) chain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountSubs == nil {
		f.accountSubs = make(map[int]func([]common.Address))
	}
	id := f.nextSub
	f.nextSub++
	f.accountSubs[id] = fn
	return chain.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.accountSubs, id)
	})
}

func (f *FakeProvider) SubscribeChainChanged(fn func(chainID *big.Int)) chain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainSubs == nil {
		f.chainSubs = make(map[int]func(*big.Int))
	}
	id := f.nextSub
	f.nextSub++
	f.chainSubs[id] = fn
	return chain.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.chainSubs, id)
	})
}

func (f *FakeProvider) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedNotified = true
}

// EmitAccountsChanged delivers an accountsChanged notification to every
// live subscriber. An empty slice means the wallet disconnected.
func (f *FakeProvider) EmitAccountsChanged(accounts []common.Address) {
	f.mu.Lock()
	f.Accounts = append([]common.Address(nil), accounts...)
	subs := make([]func([]common.Address), 0, len(f.accountSubs))
	for _, fn := range f.accountSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(accounts)
	}
}

// EmitChainChanged delivers a chainChanged notification to every live
// subscriber.
func (f *FakeProvider) EmitChainChanged(chainID *big.Int) {
	f.mu.Lock()
	f.Chain = new(big.Int).Set(chainID)
	subs := make([]func(*big.Int), 0, len(f.chainSubs))
	for _, fn := range f.chainSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(chainID)
	}
}

// AccountSubscribers reports how many accountsChanged listeners are
// currently attached. Used to verify Unsubscribe detaches.
func (f *FakeProvider) AccountSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accountSubs)
}
