package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/workdrop/escrowd/internal/chainerr"
)

// RPCClient is the subset of ethclient the local-key provider needs,
// abstracted so tests can substitute a fake node.
type RPCClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// LocalKeyConfig configures a LocalKeyProvider.
type LocalKeyConfig struct {
	RPCURL     string
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
}

// LocalKeyOption configures the provider.
type LocalKeyOption func(*LocalKeyProvider)

// WithRPCClient sets a custom RPC client (useful for testing).
func WithRPCClient(client RPCClient) LocalKeyOption {
	return func(p *LocalKeyProvider) { p.client = client }
}

// LocalKeyProvider is a Provider backed by a local private key and a
// direct RPC endpoint. It signs with EIP-155 and never prompts, so the
// daemon can run headless; the browser-wallet bridge implements the
// same interface on the interactive path.
//
// A keyed provider is pinned to one endpoint: SwitchChain succeeds only
// when the endpoint already serves the requested chain, and AddChain is
// unsupported.
type LocalKeyProvider struct {
	client  RPCClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	mu      sync.Mutex
	pending uint64 // local nonce high-water mark
	hasSent bool
}

var _ Provider = (*LocalKeyProvider)(nil)

// NewLocalKeyProvider creates a provider from a hex private key.
func NewLocalKeyProvider(cfg LocalKeyConfig, opts ...LocalKeyOption) (*LocalKeyProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid private key: cannot derive public key")
	}

	p := &LocalKeyProvider{
		key:     key,
		address: crypto.PubkeyToAddress(*pub),
		chainID: big.NewInt(cfg.ChainID),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.KindNoProviderFound, "provider.dial", err)
		}
		p.client = client
	}

	return p, nil
}

// Address returns the signing address.
func (p *LocalKeyProvider) Address() common.Address { return p.address }

func (p *LocalKeyProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

func (p *LocalKeyProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.client.ChainID(ctx)
}

func (p *LocalKeyProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	actual, err := p.client.ChainID(ctx)
	if err != nil {
		return err
	}
	if actual.Cmp(chainID) == 0 {
		return nil
	}
	return &chainerr.ProviderError{
		Code:    chainerr.CodeUnrecognizedChain,
		Message: fmt.Sprintf("endpoint serves chain %s, cannot switch to %s", actual, chainID),
	}
}

func (p *LocalKeyProvider) AddChain(ctx context.Context, params AddChainParams) error {
	return &chainerr.ProviderError{
		Code:    chainerr.CodeUnsupportedMethod,
		Message: "local key provider cannot register networks",
	}
}

// SendTransaction fills the nonce, signs with EIP-155, and broadcasts.
func (p *LocalKeyProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonce, err := p.client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return common.Hash{}, err
	}
	// The node's pending view can lag right after a broadcast; keep a
	// local high-water mark so back-to-back sends don't reuse a nonce.
	if p.hasSent && p.pending+1 > nonce {
		nonce = p.pending + 1
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice, err = p.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, err
		}
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	tx := types.NewTransaction(nonce, *req.To, value, req.Gas, gasPrice, req.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing failed: %w", err)
	}

	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), err
	}

	p.pending = nonce
	p.hasSent = true
	return signed.Hash(), nil
}

// SubscribeAccountsChanged never fires for a keyed provider: the
// account is fixed. The handle is still real so teardown is uniform.
func (p *LocalKeyProvider) SubscribeAccountsChanged(fn func([]common.Address)) Subscription {
	return SubscriptionFunc(func() {})
}

func (p *LocalKeyProvider) SubscribeChainChanged(fn func(*big.Int)) Subscription {
	return SubscriptionFunc(func() {})
}

func (p *LocalKeyProvider) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.client.CallContract(ctx, call, blockNumber)
}

func (p *LocalKeyProvider) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return p.client.EstimateGas(ctx, call)
}

func (p *LocalKeyProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return p.client.SuggestGasPrice(ctx)
}

func (p *LocalKeyProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return p.client.TransactionReceipt(ctx, txHash)
}

func (p *LocalKeyProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return p.client.FilterLogs(ctx, q)
}

func (p *LocalKeyProvider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.client.BlockNumber(ctx)
}

func (p *LocalKeyProvider) Close() {
	p.client.Close()
}
