// Package reconciler keeps the local escrow store consistent with
// contract-emitted events, including ones this client never submitted
// (the counterparty acting from another session).
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/workdrop/escrowd/internal/chain"
	"github.com/workdrop/escrowd/internal/escrow"
	"github.com/workdrop/escrowd/internal/metrics"
	"github.com/workdrop/escrowd/internal/params"
)

// Kind identifies a contract event.
type Kind string

const (
	KindCreated  Kind = "created"
	KindReleased Kind = "released"
	KindRefunded Kind = "refunded"
)

// maxProcessAttempts bounds retries of a failing log before it is
// dropped and the poll window moves on.
const maxProcessAttempts = 3

// Notification is the single structured message raised for each applied
// state change, for the UI layer to consume.
type Notification struct {
	Kind         Kind   `json:"kind"`
	EscrowID     string `json:"escrowId"`
	Counterparty string `json:"counterpartyAddress"`
	Amount       string `json:"amount"`
}

// Notifier receives reconciliation notifications.
type Notifier interface {
	Publish(n Notification)
}

// Config for the reconciler.
type Config struct {
	Contract     common.Address
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest at Start
	Decimals     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(contract common.Address) Config {
	return Config{
		Contract:     contract,
		PollInterval: 15 * time.Second,
		Decimals:     params.NativeDecimals,
	}
}

// Reconciler polls the contract's event log and applies legal forward
// transitions to the store. Delivery order is not trusted: a
// counterparty's Released event may arrive before our own Created
// confirmation, and replays must change nothing.
type Reconciler struct {
	session  *chain.Session
	config   Config
	store    *escrow.Store
	notifier Notifier
	logger   *slog.Logger
	abi      abi.ABI

	topics map[common.Hash]Kind

	// Events already applied this session, keyed by (id, kind), and
	// failed-processing attempt counts keyed by (tx, log index).
	mu        sync.Mutex
	processed map[string]bool
	failures  map[string]int

	lastBlock uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	sessionSubs []chain.Subscription
}

// New creates a reconciler over the session's provider.
func New(session *chain.Session, cfg Config, store *escrow.Store, notifier Notifier, logger *slog.Logger) (*Reconciler, error) {
	contractAbi, err := escrow.ContractABI()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = params.NativeDecimals
	}

	r := &Reconciler{
		session:  session,
		config:   cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
		abi:      contractAbi,
		topics: map[common.Hash]Kind{
			contractAbi.Events[escrow.EventCreated].ID:  KindCreated,
			contractAbi.Events[escrow.EventReleased].ID: KindReleased,
			contractAbi.Events[escrow.EventRefunded].ID: KindRefunded,
		},
		processed: make(map[string]bool),
		failures:  make(map[string]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Per-account state dies with the account.
	r.sessionSubs = append(r.sessionSubs,
		session.OnDisconnect(r.resetProcessed),
		session.OnAccountSwitch(func(common.Address) { r.resetProcessed() }),
	)

	return r, nil
}

// Start begins polling for contract events.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.config.StartBlock == 0 {
		block, err := r.session.Provider().BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		r.lastBlock = block
	} else {
		r.lastBlock = r.config.StartBlock
	}

	r.logger.Info("event reconciler started",
		"contract", r.config.Contract.Hex(),
		"start_block", r.lastBlock,
	)

	go r.pollLoop(ctx)
	return nil
}

// Close stops the poll loop and detaches every listener. Safe to call
// more than once.
func (r *Reconciler) Close() {
	r.stopOnce.Do(func() {
		for _, sub := range r.sessionSubs {
			sub.Unsubscribe()
		}
		r.sessionSubs = nil
		close(r.stop)
		<-r.done
	})
}

// Healthy reports whether the poll loop is still running.
func (r *Reconciler) Healthy() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				r.logger.Error("event poll failed", "error", err)
			}
		}
	}
}

// Poll fetches and applies any new contract events. Exported so tests
// and an eager post-submit refresh can drive it directly.
func (r *Reconciler) Poll(ctx context.Context) error {
	provider := r.session.Provider()

	currentBlock, err := provider.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if currentBlock <= r.lastBlock {
		return nil
	}

	sigs := make([]common.Hash, 0, len(r.topics))
	for sig := range r.topics {
		sigs = append(sigs, sig)
	}

	logs, err := provider.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{r.config.Contract},
		Topics:    [][]common.Hash{sigs},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	// Advance only past blocks whose logs all processed; a failed log
	// keeps its block in the next window so the unmarked event is
	// re-fetched, up to maxProcessAttempts. Dedupe suppresses the logs
	// that already applied from this batch.
	advance := currentBlock
	for _, vLog := range logs {
		err := r.Process(ctx, vLog)
		if err == nil {
			continue
		}

		key := fmt.Sprintf("%s|%d", vLog.TxHash.Hex(), vLog.Index)
		r.mu.Lock()
		r.failures[key]++
		attempts := r.failures[key]
		r.mu.Unlock()

		if attempts >= maxProcessAttempts {
			r.logger.Error("dropping event after repeated failures",
				"tx", vLog.TxHash.Hex(), "attempts", attempts, "error", err)
			r.mu.Lock()
			delete(r.failures, key)
			r.mu.Unlock()
			continue
		}

		r.logger.Error("failed to process event, will retry",
			"tx", vLog.TxHash.Hex(), "error", err)
		if vLog.BlockNumber > 0 && vLog.BlockNumber-1 < advance {
			advance = vLog.BlockNumber - 1
		}
	}

	r.lastBlock = advance
	return nil
}

// Process applies one event log. Replays of an already-applied
// (id, kind) pair apply nothing and notify nothing.
func (r *Reconciler) Process(ctx context.Context, vLog types.Log) error {
	if len(vLog.Topics) == 0 {
		return fmt.Errorf("event log has no topics")
	}
	kind, ok := r.topics[vLog.Topics[0]]
	if !ok {
		return nil // not one of ours
	}

	ev, err := r.decode(kind, vLog)
	if err != nil {
		metrics.ReconcilerEventsTotal.WithLabelValues(string(kind), "decode_error").Inc()
		return err
	}

	key := ev.EscrowID + "|" + string(kind)

	r.mu.Lock()
	if r.processed[key] {
		r.mu.Unlock()
		metrics.ReconcilerEventsTotal.WithLabelValues(string(kind), "duplicate").Inc()
		return nil
	}
	// Mark before applying so a concurrent replay cannot double-apply;
	// unmark on failure so the next poll retries.
	r.processed[key] = true
	r.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			r.mu.Lock()
			delete(r.processed, key)
			r.mu.Unlock()
		}
	}()

	applied := r.apply(ev)
	succeeded = true

	if !applied {
		// Already in (or past) the implied state: out-of-order or
		// cross-session replay. Converged, nothing to announce.
		metrics.ReconcilerEventsTotal.WithLabelValues(string(kind), "stale").Inc()
		return nil
	}

	metrics.ReconcilerEventsTotal.WithLabelValues(string(kind), "applied").Inc()
	r.logger.Info("chain event applied",
		"kind", kind,
		"escrow_id", ev.EscrowID,
		"counterparty", ev.Counterparty,
		"amount", ev.Amount,
	)

	if r.notifier != nil {
		r.notifier.Publish(Notification{
			Kind:         kind,
			EscrowID:     ev.EscrowID,
			Counterparty: ev.Counterparty,
			Amount:       ev.Amount,
		})
	}
	return nil
}

// event is a decoded contract event.
type event struct {
	Kind         Kind
	EscrowID     string
	Client       string
	Freelancer   string
	Counterparty string
	AmountBase   *big.Int
	Amount       string
	Title        string
}

func (r *Reconciler) decode(kind Kind, vLog types.Log) (*event, error) {
	ev := &event{Kind: kind}

	switch kind {
	case KindCreated:
		// Data: (jobId, amount, title); topics: client, freelancer.
		if len(vLog.Topics) < 3 {
			return nil, fmt.Errorf("malformed %s event", escrow.EventCreated)
		}
		values, err := r.abi.Unpack(escrow.EventCreated, vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", escrow.EventCreated, err)
		}
		if len(values) != 3 {
			return nil, fmt.Errorf("unexpected %s arity %d", escrow.EventCreated, len(values))
		}
		ev.EscrowID, _ = values[0].(string)
		ev.AmountBase, _ = values[1].(*big.Int)
		ev.Title, _ = values[2].(string)
		ev.Client = topicAddr(vLog.Topics[1])
		ev.Freelancer = topicAddr(vLog.Topics[2])
		ev.Counterparty = ev.Freelancer

	case KindReleased:
		// Data: (jobId, amount); topic: freelancer.
		if len(vLog.Topics) < 2 {
			return nil, fmt.Errorf("malformed %s event", escrow.EventReleased)
		}
		values, err := r.abi.Unpack(escrow.EventReleased, vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", escrow.EventReleased, err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("unexpected %s arity %d", escrow.EventReleased, len(values))
		}
		ev.EscrowID, _ = values[0].(string)
		ev.AmountBase, _ = values[1].(*big.Int)
		ev.Freelancer = topicAddr(vLog.Topics[1])
		ev.Counterparty = ev.Freelancer

	case KindRefunded:
		// Data: (jobId, amount); topic: client.
		if len(vLog.Topics) < 2 {
			return nil, fmt.Errorf("malformed %s event", escrow.EventRefunded)
		}
		values, err := r.abi.Unpack(escrow.EventRefunded, vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", escrow.EventRefunded, err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("unexpected %s arity %d", escrow.EventRefunded, len(values))
		}
		ev.EscrowID, _ = values[0].(string)
		ev.AmountBase, _ = values[1].(*big.Int)
		ev.Client = topicAddr(vLog.Topics[1])
		ev.Counterparty = ev.Client
	}

	if ev.EscrowID == "" || ev.AmountBase == nil {
		return nil, fmt.Errorf("event missing escrow id or amount")
	}
	ev.Amount = params.FormatFromChain(ev.AmountBase, r.config.Decimals)
	return ev, nil
}

// apply maps the event to a record transition and performs it only when
// it is a legal forward move. Returns whether anything changed.
func (r *Reconciler) apply(ev *event) bool {
	switch ev.Kind {
	case KindCreated:
		existing := r.store.Get(ev.EscrowID)
		if existing == nil {
			// Created from another session: build the record fresh.
			r.store.Put(&escrow.Record{
				ID:            ev.EscrowID,
				Client:        ev.Client,
				Freelancer:    ev.Freelancer,
				Amount:        ev.Amount,
				AmountBase:    ev.AmountBase,
				TokenIdentity: escrow.TokenNative,
				Status:        escrow.StatusActive,
				Title:         ev.Title,
				Exists:        true,
			})
			return true
		}
		_, changed := r.store.Apply(ev.EscrowID, escrow.StatusActive, nil)
		return changed

	case KindReleased:
		return r.applyTerminal(ev, escrow.StatusCompleted)

	case KindRefunded:
		return r.applyTerminal(ev, escrow.StatusCancelled)
	}
	return false
}

func (r *Reconciler) applyTerminal(ev *event, to escrow.Status) bool {
	if r.store.Get(ev.EscrowID) == nil {
		// Terminal event for an escrow we never saw: record the final
		// state so later queries and replays agree.
		rec := &escrow.Record{
			ID:            ev.EscrowID,
			Client:        ev.Client,
			Freelancer:    ev.Freelancer,
			Amount:        ev.Amount,
			AmountBase:    ev.AmountBase,
			TokenIdentity: escrow.TokenNative,
			Status:        to,
			Exists:        true,
		}
		r.store.Put(rec)
		return true
	}
	_, changed := r.store.Apply(ev.EscrowID, to, nil)
	return changed
}

func (r *Reconciler) resetProcessed() {
	r.mu.Lock()
	r.processed = make(map[string]bool)
	r.failures = make(map[string]int)
	r.mu.Unlock()
	r.logger.Info("reconciler state reset (account change)")
}

func topicAddr(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}
