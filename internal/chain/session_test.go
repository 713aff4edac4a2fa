package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workdrop/escrowd/internal/chain"
	"github.com/workdrop/escrowd/internal/chainerr"
	"github.com/workdrop/escrowd/internal/testutil"
)

const fujiChainID = 43113

var (
	accountA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	accountB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func fujiRegistration() chain.AddChainParams {
	return chain.AddChainParams{
		ChainID:   big.NewInt(fujiChainID),
		ChainName: "Avalanche Fuji",
		RPCURLs:   []string{"https://api.avax-test.network/ext/bc/C/rpc"},
		NativeCurrency: chain.NativeCurrency{
			Name:     "Avalanche",
			Symbol:   "AVAX",
			Decimals: 18,
		},
	}
}

func newSession(t *testing.T, fp *testutil.FakeProvider) *chain.Session {
	t.Helper()
	s, err := chain.NewSession(fp, fujiChainID, fujiRegistration())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewSession_NilProvider(t *testing.T) {
	_, err := chain.NewSession(nil, fujiChainID, fujiRegistration())
	require.Error(t, err)
	assert.True(t, chainerr.IsKind(err, chainerr.KindNoProviderFound))
}

func TestConnect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)

		addr, err := s.Connect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, accountA, addr)
		assert.True(t, s.Connected())
		assert.Equal(t, accountA, s.Account())
	})

	t.Run("provider rejects", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		fp.RequestAccountsErr = &chainerr.ProviderError{Code: chainerr.CodeUserRejected, Message: "user rejected"}
		s := newSession(t, fp)

		_, err := s.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindUserRejected))
		assert.False(t, s.Connected())
	})

	t.Run("no accounts", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID)
		fp.Accounts = nil
		s := newSession(t, fp)

		_, err := s.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindNoAccountsAvailable))
	})

	t.Run("chain id read fails", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		fp.ChainIDErr = errors.New("rpc unreachable")
		s := newSession(t, fp)

		_, err := s.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindUnknownProvider))
	})
}

func TestEnsureCorrectNetwork(t *testing.T) {
	ctx := context.Background()

	t.Run("already correct", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)

		require.NoError(t, s.EnsureCorrectNetwork(ctx))
		assert.Empty(t, fp.SwitchCalls)
	})

	t.Run("switch succeeds", func(t *testing.T) {
		fp := testutil.NewFakeProvider(1337, accountA)
		s := newSession(t, fp)

		require.NoError(t, s.EnsureCorrectNetwork(ctx))
		require.Len(t, fp.SwitchCalls, 1)
		assert.Equal(t, int64(fujiChainID), fp.SwitchCalls[0].Int64())
		assert.Empty(t, fp.AddChainCalls)
	})

	t.Run("unrecognized chain triggers registration then retry", func(t *testing.T) {
		fp := testutil.NewFakeProvider(1337, accountA)
		attempts := 0
		fp.SwitchChainFn = func(ctx context.Context, chainID *big.Int) error {
			attempts++
			if attempts == 1 {
				return &chainerr.ProviderError{Code: chainerr.CodeUnrecognizedChain, Message: "unrecognized chain"}
			}
			return nil
		}
		s := newSession(t, fp)

		require.NoError(t, s.EnsureCorrectNetwork(ctx))
		assert.Equal(t, 2, attempts)
		require.Len(t, fp.AddChainCalls, 1)
		assert.Equal(t, int64(fujiChainID), fp.AddChainCalls[0].ChainID.Int64())
		assert.Equal(t, "AVAX", fp.AddChainCalls[0].NativeCurrency.Symbol)
	})

	t.Run("switch rejected by user", func(t *testing.T) {
		fp := testutil.NewFakeProvider(1337, accountA)
		fp.SwitchChainFn = func(ctx context.Context, chainID *big.Int) error {
			return &chainerr.ProviderError{Code: chainerr.CodeUserRejected, Message: "user rejected"}
		}
		s := newSession(t, fp)

		err := s.EnsureCorrectNetwork(ctx)
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindNetworkSwitchRejected))
		assert.Empty(t, fp.AddChainCalls)
	})

	t.Run("registration refused", func(t *testing.T) {
		fp := testutil.NewFakeProvider(1337, accountA)
		fp.SwitchChainFn = func(ctx context.Context, chainID *big.Int) error {
			return &chainerr.ProviderError{Code: chainerr.CodeUnrecognizedChain, Message: "unrecognized chain"}
		}
		fp.AddChainFn = func(ctx context.Context, params chain.AddChainParams) error {
			return &chainerr.ProviderError{Code: chainerr.CodeUserRejected, Message: "user rejected"}
		}
		s := newSession(t, fp)

		err := s.EnsureCorrectNetwork(ctx)
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindNetworkUnregistrable))
	})

	t.Run("retry after registration still refused", func(t *testing.T) {
		fp := testutil.NewFakeProvider(1337, accountA)
		fp.SwitchChainFn = func(ctx context.Context, chainID *big.Int) error {
			return &chainerr.ProviderError{Code: chainerr.CodeUnrecognizedChain, Message: "unrecognized chain"}
		}
		s := newSession(t, fp)

		err := s.EnsureCorrectNetwork(ctx)
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindNetworkSwitchRejected))
		require.Len(t, fp.AddChainCalls, 1)
	})
}

func TestRequireReady(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)

		err := s.RequireReady(ctx)
		require.Error(t, err)
		assert.True(t, chainerr.IsKind(err, chainerr.KindNoAccountsAvailable))
	})

	t.Run("ready after connect", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		assert.NoError(t, s.RequireReady(ctx))
	})

	t.Run("dirty network re-checked lazily", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		// Wallet hops to another network; nothing happens until the
		// next operation needs the session.
		fp.EmitChainChanged(big.NewInt(1337))
		assert.Empty(t, fp.SwitchCalls)

		require.NoError(t, s.RequireReady(ctx))
		require.Len(t, fp.SwitchCalls, 1)

		// Clean again: no further switches.
		require.NoError(t, s.RequireReady(ctx))
		assert.Len(t, fp.SwitchCalls, 1)
	})
}

func TestAccountNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("zero accounts disconnects and notifies", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		fired := 0
		sub := s.OnDisconnect(func() { fired++ })
		defer sub.Unsubscribe()

		fp.EmitAccountsChanged(nil)
		assert.False(t, s.Connected())
		assert.Equal(t, common.Address{}, s.Account())
		assert.Equal(t, 1, fired)
	})

	t.Run("account switch notifies with new account", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		var got common.Address
		sub := s.OnAccountSwitch(func(account common.Address) { got = account })
		defer sub.Unsubscribe()

		fp.EmitAccountsChanged([]common.Address{accountB})
		assert.Equal(t, accountB, got)
		assert.Equal(t, accountB, s.Account())
		assert.True(t, s.Connected())
	})

	t.Run("same account does not notify", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		fired := 0
		sub := s.OnAccountSwitch(func(common.Address) { fired++ })
		defer sub.Unsubscribe()

		fp.EmitAccountsChanged([]common.Address{accountA})
		assert.Equal(t, 0, fired)
	})

	t.Run("unsubscribe detaches", func(t *testing.T) {
		fp := testutil.NewFakeProvider(fujiChainID, accountA)
		s := newSession(t, fp)
		_, err := s.Connect(ctx)
		require.NoError(t, err)

		fired := 0
		sub := s.OnDisconnect(func() { fired++ })
		sub.Unsubscribe()

		fp.EmitAccountsChanged(nil)
		assert.Equal(t, 0, fired)
	})
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	fp := testutil.NewFakeProvider(fujiChainID, accountA)
	s := newSession(t, fp)

	d := s.Diagnostics()
	assert.False(t, d.Connected)
	assert.Empty(t, d.Account)
	assert.Equal(t, int64(fujiChainID), d.ExpectedChainID)

	_, err := s.Connect(ctx)
	require.NoError(t, err)

	d = s.Diagnostics()
	assert.True(t, d.Connected)
	assert.Equal(t, accountA.Hex(), d.Account)
	assert.Equal(t, int64(fujiChainID), d.ChainID)
	assert.True(t, d.CorrectNetwork)

	fp.EmitChainChanged(big.NewInt(1337))
	d = s.Diagnostics()
	assert.False(t, d.CorrectNetwork)
	assert.Equal(t, int64(1337), d.ChainID)
}

func TestClose_DetachesProviderSubscriptions(t *testing.T) {
	fp := testutil.NewFakeProvider(fujiChainID, accountA)
	s, err := chain.NewSession(fp, fujiChainID, fujiRegistration())
	require.NoError(t, err)
	require.Equal(t, 1, fp.AccountSubscribers())

	s.Close()
	assert.Equal(t, 0, fp.AccountSubscribers())
	assert.True(t, fp.ClosedNotified)
}
