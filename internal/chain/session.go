package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/workdrop/escrowd/internal/chainerr"
	"github.com/workdrop/escrowd/internal/metrics"
)

// Diagnostics is a point-in-time view of the session. Rebuilt on every
// provider event, never persisted.
type Diagnostics struct {
	Connected       bool   `json:"connected"`
	Account         string `json:"account,omitempty"`
	ChainID         int64  `json:"chainId,omitempty"`
	ExpectedChainID int64  `json:"expectedChainId"`
	CorrectNetwork  bool   `json:"correctNetwork"`
}

// Session is the single source of truth for "am I connected, to what
// account, on what network". It is an explicitly constructed value
// injected into the gateway and the reconciler, never a package-level
// singleton, so tests can substitute a fake provider.
type Session struct {
	provider     Provider
	expected     *big.Int
	registration AddChainParams
	logger       *slog.Logger

	mu           sync.RWMutex
	account      common.Address
	connected    bool
	chainID      *big.Int
	networkDirty bool

	listenerMu    sync.Mutex
	nextListener  int
	onDisconnect  map[int]func()
	onAccountSwap map[int]func(account common.Address)

	providerSubs []Subscription
}

// Option configures the session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a session over the given provider. expectedChainID
// is the network the escrow contract is deployed on; registration is
// the metadata used if the wallet does not know that network.
func NewSession(provider Provider, expectedChainID int64, registration AddChainParams, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, chainerr.New(chainerr.KindNoProviderFound, "session.new")
	}

	s := &Session{
		provider:      provider,
		expected:      big.NewInt(expectedChainID),
		registration:  registration,
		logger:        slog.Default(),
		onDisconnect:  make(map[int]func()),
		onAccountSwap: make(map[int]func(common.Address)),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Provider-level notifications are held for the lifetime of the
	// session and detached in Close.
	s.providerSubs = append(s.providerSubs,
		provider.SubscribeAccountsChanged(s.handleAccountsChanged),
		provider.SubscribeChainChanged(s.handleChainChanged),
	)

	return s, nil
}

// Connect requests account access from the provider.
func (s *Session) Connect(ctx context.Context) (common.Address, error) {
	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, chainerr.Translate("session.connect", err)
	}
	if len(accounts) == 0 {
		return common.Address{}, chainerr.New(chainerr.KindNoAccountsAvailable, "session.connect")
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return common.Address{}, chainerr.Translate("session.connect", err)
	}

	s.mu.Lock()
	s.account = accounts[0]
	s.connected = true
	s.chainID = chainID
	s.networkDirty = chainID.Cmp(s.expected) != 0
	s.mu.Unlock()

	metrics.SessionConnected.Set(1)
	s.logger.Info("wallet session connected",
		"account", accounts[0].Hex(),
		"chain_id", chainID.Int64(),
	)
	return accounts[0], nil
}

// Connected reports whether the session currently has an account.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Account returns the current account.
func (s *Session) Account() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Provider exposes the underlying provider for chain reads. Components
// read session state but never mutate it.
func (s *Session) Provider() Provider {
	return s.provider
}

// CurrentNetwork reads the chain id from the provider. Pure read, no
// side effects.
func (s *Session) CurrentNetwork(ctx context.Context) (*big.Int, error) {
	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return nil, chainerr.Translate("session.current_network", err)
	}
	s.mu.Lock()
	s.chainID = chainID
	s.networkDirty = chainID.Cmp(s.expected) != 0
	s.mu.Unlock()
	return chainID, nil
}

// EnsureCorrectNetwork compares the current chain id against the
// expected one; on mismatch it requests a network switch, and when the
// wallet does not recognize the target network it registers it and
// retries the switch once.
func (s *Session) EnsureCorrectNetwork(ctx context.Context) error {
	const op = "session.ensure_network"

	current, err := s.provider.ChainID(ctx)
	if err != nil {
		return chainerr.Translate(op, err)
	}
	if current.Cmp(s.expected) == 0 {
		s.markNetwork(current)
		return nil
	}

	s.logger.Info("chain id mismatch, requesting switch",
		"actual", current.Int64(),
		"expected", s.expected.Int64(),
	)

	err = s.provider.SwitchChain(ctx, s.expected)
	if err == nil {
		s.markNetwork(s.expected)
		return nil
	}

	if !isUnrecognizedChain(err) {
		return chainerr.Wrap(chainerr.KindNetworkSwitchRejected, op, err)
	}

	// The wallet has never seen this network: register it, then retry
	// the switch once.
	if addErr := s.provider.AddChain(ctx, s.registration); addErr != nil {
		return chainerr.Wrap(chainerr.KindNetworkUnregistrable, op, addErr)
	}
	if err := s.provider.SwitchChain(ctx, s.expected); err != nil {
		return chainerr.Wrap(chainerr.KindNetworkSwitchRejected, op, err)
	}
	s.markNetwork(s.expected)
	return nil
}

// RequireReady returns an error unless the session is connected on the
// expected network. A dirty network state triggers a lazy re-check
// rather than an eager reconnect.
func (s *Session) RequireReady(ctx context.Context) error {
	s.mu.RLock()
	connected, dirty := s.connected, s.networkDirty
	s.mu.RUnlock()

	if !connected {
		return chainerr.New(chainerr.KindNoAccountsAvailable, "session.require_ready")
	}
	if dirty {
		return s.EnsureCorrectNetwork(ctx)
	}
	return nil
}

// Diagnostics returns the current connection view.
func (s *Session) Diagnostics() Diagnostics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := Diagnostics{
		Connected:       s.connected,
		ExpectedChainID: s.expected.Int64(),
	}
	if s.connected {
		d.Account = s.account.Hex()
	}
	if s.chainID != nil {
		d.ChainID = s.chainID.Int64()
		d.CorrectNetwork = s.chainID.Cmp(s.expected) == 0
	}
	return d
}

// OnDisconnect registers a callback fired when the session loses its
// account (the wallet reported zero accounts). Dependent components use
// this to discard per-account caches.
func (s *Session) OnDisconnect(fn func()) Subscription {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.onDisconnect[id] = fn
	return SubscriptionFunc(func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.onDisconnect, id)
	})
}

// OnAccountSwitch registers a callback fired when the wallet switches to
// a different, non-empty account.
func (s *Session) OnAccountSwitch(fn func(account common.Address)) Subscription {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.onAccountSwap[id] = fn
	return SubscriptionFunc(func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.onAccountSwap, id)
	})
}

// Close detaches all provider subscriptions and closes the provider.
func (s *Session) Close() {
	for _, sub := range s.providerSubs {
		sub.Unsubscribe()
	}
	s.providerSubs = nil
	s.provider.Close()
}

func (s *Session) markNetwork(chainID *big.Int) {
	s.mu.Lock()
	s.chainID = new(big.Int).Set(chainID)
	s.networkDirty = chainID.Cmp(s.expected) != 0
	s.mu.Unlock()
}

func (s *Session) handleAccountsChanged(accounts []common.Address) {
	if len(accounts) == 0 {
		s.mu.Lock()
		s.connected = false
		s.account = common.Address{}
		s.mu.Unlock()

		metrics.SessionConnected.Set(0)
		s.logger.Info("wallet disconnected (no accounts)")
		for _, fn := range s.disconnectListeners() {
			fn()
		}
		return
	}

	s.mu.Lock()
	prev := s.account
	s.account = accounts[0]
	s.connected = true
	s.mu.Unlock()

	if prev != accounts[0] {
		metrics.SessionConnected.Set(1)
		s.logger.Info("wallet account switched",
			"from", prev.Hex(),
			"to", accounts[0].Hex(),
		)
		for _, fn := range s.accountSwitchListeners() {
			fn(accounts[0])
		}
	}
}

func (s *Session) handleChainChanged(chainID *big.Int) {
	// Lazy: mark dirty and let the next operation re-check instead of
	// eagerly reconnecting.
	s.mu.Lock()
	s.chainID = new(big.Int).Set(chainID)
	s.networkDirty = chainID.Cmp(s.expected) != 0
	dirty := s.networkDirty
	s.mu.Unlock()

	s.logger.Info("chain changed", "chain_id", chainID.Int64(), "needs_switch", dirty)
}

func (s *Session) disconnectListeners() []func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	out := make([]func(), 0, len(s.onDisconnect))
	for _, fn := range s.onDisconnect {
		out = append(out, fn)
	}
	return out
}

func (s *Session) accountSwitchListeners() []func(common.Address) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	out := make([]func(common.Address), 0, len(s.onAccountSwap))
	for _, fn := range s.onAccountSwap {
		out = append(out, fn)
	}
	return out
}

func isUnrecognizedChain(err error) bool {
	var pe *chainerr.ProviderError
	return errors.As(err, &pe) && pe.Code == chainerr.CodeUnrecognizedChain
}
