// Package chain owns the wallet-provider session: current account,
// chain id, network correctness, and change notifications.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is a transaction handed to the provider for signing and
// broadcast, mirroring eth_sendTransaction. The provider owns nonce
// management and signing; the user may still refuse to sign, which
// surfaces as a rejection error, never a silent no-op.
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     []byte
}

// NativeCurrency describes the chain's native currency for network
// registration.
type NativeCurrency struct {
	Name     string
	Symbol   string
	Decimals int
}

// AddChainParams is the metadata needed to register a network with the
// wallet, mirroring wallet_addEthereumChain.
type AddChainParams struct {
	ChainID           *big.Int
	ChainName         string
	RPCURLs           []string
	NativeCurrency    NativeCurrency
	BlockExplorerURLs []string
}

// Subscription is an explicit handle for a provider notification.
// Unsubscribe must fully detach the listener; dropping the handle
// without calling it leaks the callback across account switches.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to a Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Provider is the injected wallet interface: account access, network
// control, transaction signing/broadcast, and chain reads. All blocking
// calls take a context; signature prompts in particular are unbounded
// waits on user action.
type Provider interface {
	// Wallet surface
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, params AddChainParams) error
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	SubscribeAccountsChanged(fn func(accounts []common.Address)) Subscription
	SubscribeChainChanged(fn func(chainID *big.Int)) Subscription

	// Chain reads
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)

	Close()
}
