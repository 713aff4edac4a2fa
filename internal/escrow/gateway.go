package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/workdrop/escrowd/internal/chain"
	"github.com/workdrop/escrowd/internal/chainerr"
	"github.com/workdrop/escrowd/internal/metrics"
	"github.com/workdrop/escrowd/internal/params"
	"github.com/workdrop/escrowd/internal/retry"
	"github.com/workdrop/escrowd/internal/traces"
)

// Op is a state-changing gateway operation.
type Op string

const (
	OpCreate    Op = "create"
	OpStartWork Op = "start_work"
	OpRelease   Op = "release"
	OpRefund    Op = "refund"
)

// Submission is the handle returned once a transaction has been handed
// to the provider for signing and broadcast. From this point the
// operation is irrevocable from the application's perspective.
type Submission struct {
	Op          Op          `json:"op"`
	EscrowID    string      `json:"escrowId"`
	TxHash      common.Hash `json:"txHash"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// Outcome is a confirmed submission plus the resulting record state.
type Outcome struct {
	Submission
	BlockNumber uint64  `json:"blockNumber"`
	GasUsed     uint64  `json:"gasUsed"`
	Record      *Record `json:"record,omitempty"`
}

// CostEstimate is a user-facing fee preview. Estimated is false when
// the node refused to estimate and the default ceiling is shown
// instead; estimation failure never gates submission.
type CostEstimate struct {
	Op        Op       `json:"op"`
	GasLimit  uint64   `json:"gasLimit"`
	GasPrice  *big.Int `json:"gasPrice"`
	TotalWei  *big.Int `json:"totalWei"`
	Estimated bool     `json:"estimated"`
}

// keyedLocker is the per-escrow-id single-flight gate.
type keyedLocker interface {
	TryLock(key string) (func(), bool)
}

// Gateway is the only component permitted to submit state-changing
// calls to the escrow contract. It serializes submissions per escrow
// id: a second concurrent attempt fails with OperationInProgress
// instead of racing the first to the network.
type Gateway struct {
	session  *chain.Session
	contract common.Address
	abi      abi.ABI
	store    *Store
	logger   *slog.Logger

	inflight keyedLocker

	confirmTimeout  time.Duration
	pollInterval    time.Duration
	defaultGasLimit uint64
	decimals        int

	onSubmit func(Submission)
}

// GatewayOption configures the gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithConfirmTimeout bounds the wait for transaction confirmation.
func WithConfirmTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.confirmTimeout = d }
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.pollInterval = d }
}

// WithDefaultGasLimit sets the fallback gas ceiling used when
// estimation fails.
func WithDefaultGasLimit(limit uint64) GatewayOption {
	return func(g *Gateway) { g.defaultGasLimit = limit }
}

// WithDecimals sets the native currency precision used when formatting
// chain amounts.
func WithDecimals(decimals int) GatewayOption {
	return func(g *Gateway) { g.decimals = decimals }
}

// WithSubmitHook registers a callback fired at the Submitted lifecycle
// point, before confirmation is awaited.
func WithSubmitHook(fn func(Submission)) GatewayOption {
	return func(g *Gateway) { g.onSubmit = fn }
}

// WithLocker overrides the per-id lock (used in tests).
func WithLocker(l keyedLocker) GatewayOption {
	return func(g *Gateway) { g.inflight = l }
}

// NewGateway creates a gateway bound to one deployed contract.
func NewGateway(session *chain.Session, contract common.Address, store *Store, opts ...GatewayOption) (*Gateway, error) {
	contractAbi, err := ContractABI()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		session:         session,
		contract:        contract,
		abi:             contractAbi,
		store:           store,
		logger:          slog.Default(),
		inflight:        newShardedLocker(),
		confirmTimeout:  90 * time.Second,
		pollInterval:    2 * time.Second,
		defaultGasLimit: 300000,
		decimals:        params.NativeDecimals,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Create funds a new escrow with the attached value. Parameters must
// have passed the validator; the sanitized form is the only accepted
// input.
func (g *Gateway) Create(ctx context.Context, p *params.Sanitized) (*Outcome, error) {
	const op = "escrow.create"
	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(p.EscrowID), traces.Amount(p.Amount))
	defer span.End()

	if err := g.session.RequireReady(ctx); err != nil {
		return nil, err
	}

	unlock, ok := g.inflight.TryLock(p.EscrowID)
	if !ok {
		return nil, g.countErr(chainerr.New(chainerr.KindOperationInProgress, op))
	}
	defer unlock()

	// A non-Pending record means this id already went on chain; a
	// duplicate create must not regress or clobber it. A Pending record
	// is our own earlier intent (e.g. a timed-out create) and may be
	// retried.
	if existing := g.store.Get(p.EscrowID); existing != nil && existing.Status != StatusPending {
		ce := chainerr.New(chainerr.KindInvalidParameters, op)
		ce.Summary = "an escrow with this id already exists"
		return nil, g.countErr(ce)
	}

	data, err := g.abi.Pack("createEscrow", p.EscrowID, p.Freelancer, p.Title)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	// Local pending intent; promoted to Active on confirmation and
	// discarded if the submission never lands.
	now := time.Now().UTC()
	g.store.Put(&Record{
		ID:            p.EscrowID,
		Client:        strings.ToLower(g.session.Account().Hex()),
		Freelancer:    strings.ToLower(p.Freelancer.Hex()),
		Amount:        p.Amount,
		AmountBase:    p.AmountBase,
		TokenIdentity: TokenNative,
		Status:        StatusPending,
		Title:         p.Title,
		CreatedAt:     now,
		Deadline:      p.Deadline,
		Exists:        true,
	})

	outcome, err := g.submitAndConfirm(ctx, op, OpCreate, p.EscrowID, data, p.AmountBase)
	if err != nil {
		// Keep the pending intent only while the outcome is undecided:
		// a timeout may still confirm later, everything else is dead.
		if !chainerr.IsKind(err, chainerr.KindConfirmationTimeout) {
			g.store.Delete(p.EscrowID)
		}
		return nil, err
	}

	rec, _ := g.store.Apply(p.EscrowID, StatusActive, nil)
	outcome.Record = rec
	return outcome, nil
}

// StartWork marks the escrow as in progress on chain. The record stays
// Active; the work-started timestamp is recorded locally.
func (g *Gateway) StartWork(ctx context.Context, escrowID string) (*Outcome, error) {
	return g.mutate(ctx, "escrow.start_work", OpStartWork, "startWork", escrowID, StatusActive, func(r *Record) {
		r.WorkStartedAt = time.Now().UTC()
	})
}

// Release pays the escrowed funds out to the freelancer. Terminal.
func (g *Gateway) Release(ctx context.Context, escrowID string) (*Outcome, error) {
	return g.mutate(ctx, "escrow.release", OpRelease, "releaseFunds", escrowID, StatusCompleted, nil)
}

// Refund returns the escrowed funds to the client. Terminal.
func (g *Gateway) Refund(ctx context.Context, escrowID string) (*Outcome, error) {
	return g.mutate(ctx, "escrow.refund", OpRefund, "refundClient", escrowID, StatusCancelled, nil)
}

func (g *Gateway) mutate(ctx context.Context, op string, kind Op, method, escrowID string, target Status, extra func(*Record)) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(escrowID))
	defer span.End()

	if err := g.session.RequireReady(ctx); err != nil {
		return nil, err
	}

	unlock, ok := g.inflight.TryLock(escrowID)
	if !ok {
		return nil, g.countErr(chainerr.New(chainerr.KindOperationInProgress, op))
	}
	defer unlock()

	data, err := g.abi.Pack(method, escrowID)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	outcome, err := g.submitAndConfirm(ctx, op, kind, escrowID, data, nil)
	if err != nil {
		// Local state unchanged on failure: the chain did not move.
		return nil, err
	}

	rec, _ := g.store.Apply(escrowID, target, extra)
	outcome.Record = rec
	return outcome, nil
}

// submitAndConfirm broadcasts calldata and waits for the receipt,
// holding the per-id lock for the full in-flight window.
func (g *Gateway) submitAndConfirm(ctx context.Context, op string, kind Op, escrowID string, data []byte, value *big.Int) (*Outcome, error) {
	provider := g.session.Provider()
	from := g.session.Account()

	gasLimit, err := provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &g.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation is advisory: proceed with the default ceiling.
		// A revert-at-estimate still surfaces at confirmation.
		g.logger.Warn("gas estimation failed, using default limit",
			"op", op, "escrow_id", escrowID, "error", err)
		gasLimit = g.defaultGasLimit
	}

	txHash, err := provider.SendTransaction(ctx, chain.TxRequest{
		From:  from,
		To:    &g.contract,
		Value: value,
		Gas:   gasLimit,
		Data:  data,
	})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(kind), "rejected").Inc()
		return nil, g.countErr(chainerr.Translate(op, err))
	}

	sub := Submission{Op: kind, EscrowID: escrowID, TxHash: txHash, SubmittedAt: time.Now().UTC()}
	metrics.InFlightOps.Inc()
	defer metrics.InFlightOps.Dec()

	g.logger.Info("transaction submitted",
		"op", op, "escrow_id", escrowID, "tx", txHash.Hex())
	if g.onSubmit != nil {
		g.onSubmit(sub)
	}

	outcome, err := g.waitForConfirmation(ctx, op, sub)
	if err != nil {
		label := "failed"
		switch chainerr.KindOf(err) {
		case chainerr.KindContractPrecondition:
			label = "reverted"
		case chainerr.KindConfirmationTimeout:
			label = "timeout"
		}
		metrics.SubmissionsTotal.WithLabelValues(string(kind), label).Inc()
		return nil, g.countErr(err)
	}

	metrics.SubmissionsTotal.WithLabelValues(string(kind), "confirmed").Inc()
	metrics.ConfirmationSeconds.WithLabelValues(string(kind)).
		Observe(time.Since(sub.SubmittedAt).Seconds())
	g.logger.Info("transaction confirmed",
		"op", op, "escrow_id", escrowID, "tx", txHash.Hex(), "block", outcome.BlockNumber)
	return outcome, nil
}

// waitForConfirmation polls for the receipt until the confirmation
// window closes. A timeout does not mean failure: the transaction may
// still land, so the caller must re-query rather than assume.
func (g *Gateway) waitForConfirmation(ctx context.Context, op string, sub Submission) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	provider := g.session.Provider()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				ce := chainerr.New(chainerr.KindConfirmationTimeout, op)
				ce.TxHash = sub.TxHash.Hex()
				return nil, ce
			}
			return nil, chainerr.Translate(op, ctx.Err())

		case <-ticker.C:
			receipt, err := provider.TransactionReceipt(ctx, sub.TxHash)
			if err != nil {
				// Not yet mined; keep polling.
				continue
			}

			if receipt.Status == 0 {
				ce := chainerr.New(chainerr.KindContractPrecondition, op)
				ce.TxHash = sub.TxHash.Hex()
				return nil, ce
			}

			return &Outcome{
				Submission:  sub,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// GetEscrow queries the chain for one escrow. "Not found" is a normal,
// non-error outcome reported via Record.Exists; existence is checked
// first so lookups never rely on revert-as-control-flow.
func (g *Gateway) GetEscrow(ctx context.Context, escrowID string) (*Record, error) {
	const op = "escrow.get"

	exists, err := g.EscrowExists(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Record{ID: escrowID, Exists: false}, nil
	}

	data, err := g.abi.Pack("getEscrow", escrowID)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	result, err := g.callContract(ctx, op, data)
	if err != nil {
		return nil, err
	}

	onchain, err := unpackEscrow(g.abi, result)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindUnknownProvider, op, err)
	}

	rec := onchain.toRecord(escrowID, g.decimals, params.FormatFromChain)
	g.store.Put(rec)
	return rec, nil
}

// EscrowExists reports whether the contract knows the escrow id.
func (g *Gateway) EscrowExists(ctx context.Context, escrowID string) (bool, error) {
	const op = "escrow.exists"

	data, err := g.abi.Pack("escrowExists", escrowID)
	if err != nil {
		return false, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	result, err := g.callContract(ctx, op, data)
	if err != nil {
		return false, err
	}

	values, err := g.abi.Unpack("escrowExists", result)
	if err != nil || len(values) != 1 {
		return false, chainerr.Wrap(chainerr.KindUnknownProvider, op, err)
	}
	exists, _ := values[0].(bool)
	return exists, nil
}

// ListByParty returns the escrow ids involving the given address.
func (g *Gateway) ListByParty(ctx context.Context, party common.Address) ([]string, error) {
	const op = "escrow.list_by_party"

	data, err := g.abi.Pack("getEscrowsByParty", party)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	result, err := g.callContract(ctx, op, data)
	if err != nil {
		return nil, err
	}

	values, err := g.abi.Unpack("getEscrowsByParty", result)
	if err != nil || len(values) != 1 {
		return nil, chainerr.Wrap(chainerr.KindUnknownProvider, op, err)
	}
	ids, _ := values[0].([]string)
	return ids, nil
}

// EstimateRequest describes the operation to preview.
type EstimateRequest struct {
	EscrowID   string
	Freelancer common.Address
	Title      string
	Value      *big.Int
}

// EstimateCost previews the fee for an operation. It never blocks a
// later submission: when the node refuses to estimate, the default gas
// ceiling is reported with Estimated=false instead of an error.
func (g *Gateway) EstimateCost(ctx context.Context, kind Op, req EstimateRequest) (*CostEstimate, error) {
	const op = "escrow.estimate"

	var (
		data []byte
		err  error
	)
	switch kind {
	case OpCreate:
		data, err = g.abi.Pack("createEscrow", req.EscrowID, req.Freelancer, req.Title)
	case OpStartWork:
		data, err = g.abi.Pack("startWork", req.EscrowID)
	case OpRelease:
		data, err = g.abi.Pack("releaseFunds", req.EscrowID)
	case OpRefund:
		data, err = g.abi.Pack("refundClient", req.EscrowID)
	default:
		return nil, chainerr.New(chainerr.KindInvalidParameters, op)
	}
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindInvalidParameters, op, err)
	}

	provider := g.session.Provider()
	gasPrice, err := provider.SuggestGasPrice(ctx)
	if err != nil {
		return nil, g.countErr(chainerr.Translate(op, err))
	}

	est := &CostEstimate{Op: kind, GasPrice: gasPrice}
	gasLimit, err := provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.session.Account(),
		To:    &g.contract,
		Value: req.Value,
		Data:  data,
	})
	if err != nil {
		est.GasLimit = g.defaultGasLimit
		est.Estimated = false
	} else {
		est.GasLimit = gasLimit
		est.Estimated = true
	}

	est.TotalWei = new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(est.GasLimit))
	if req.Value != nil {
		est.TotalWei.Add(est.TotalWei, req.Value)
	}
	return est, nil
}

// callContract performs a read-only call with retries. Transport
// hiccups are retried with backoff; reverts are permanent.
func (g *Gateway) callContract(ctx context.Context, op string, data []byte) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		res, callErr := g.session.Provider().CallContract(ctx, ethereum.CallMsg{
			To:   &g.contract,
			Data: data,
		}, nil)
		if callErr != nil {
			if chainerr.KindOf(chainerr.Translate(op, callErr)) == chainerr.KindContractPrecondition {
				return retry.Permanent(callErr)
			}
			return callErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, g.countErr(chainerr.Translate(op, err))
	}
	return result, nil
}

// countErr bumps the boundary error counter before the error crosses to
// the caller. Failures the translator did not recognize keep their raw
// payload on the Error; this is where it gets logged.
func (g *Gateway) countErr(err error) error {
	if err == nil {
		return nil
	}
	kind := chainerr.KindOf(err)
	metrics.TranslatedErrorsTotal.WithLabelValues(string(kind)).Inc()
	if kind == chainerr.KindUnknownProvider {
		var ce *chainerr.Error
		if errors.As(err, &ce) && ce.Raw != nil {
			g.logger.Error("untranslated provider error",
				"op", ce.Op, "raw", ce.Raw.Error())
		}
	}
	return err
}
