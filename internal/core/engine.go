package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"DerivLedger/internal/command"
	"DerivLedger/internal/errs"
	"DerivLedger/internal/ledger"
	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/platform"
	"DerivLedger/internal/ratefeed"
	"DerivLedger/internal/registry"
)

// Engine is the single-threaded command processor. All ledger, registry and
// platform state is owned by the goroutine running Run; callers interact
// through Submission messages and never touch state directly.
type Engine struct {
	sequence int64
	height   int64

	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	registry       *registry.Registry
	platform       *platform.Manager
	rates          *ratefeed.Feed
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	snapshotReq chan chan *SnapshotState

	// replay re-applies operations already in the log. Dedup and downstream
	// emission are bypassed so the log is not consulted or rewritten.
	replay bool
}

// CoreOutput is what the engine emits downstream for every applied operation.
// Position is a post-apply copy of the touched derivative, nil when the
// operation touched none. Rate is set for rate observations only.
type CoreOutput struct {
	Envelope   *command.OpEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Position   *registry.Position
	Rate       *ratefeed.Entry
}

// Receipt summarizes an applied operation for the submitter.
type Receipt struct {
	Sequence     int64
	Height       int64
	DerivativeID uint64
	Duplicate    bool
}

type Result struct {
	Receipt Receipt
	Err     error
}

// Submission carries one command into the engine goroutine. Timestamp is the
// arrival time stamped by the transport; the engine never reads the wall
// clock itself. Reply may be nil for fire-and-forget feeds.
type Submission struct {
	Cmd       command.Command
	Timestamp time.Time
	Reply     chan Result
}

func NewEngine(
	startSequence int64,
	startHeight int64,
	platformMgr *platform.Manager,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)

	// Capacity of 1M dedup entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)

	return &Engine{
		sequence:       startSequence,
		height:         startHeight,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     journalGen,
		validator:      validator,
		registry:       registry.NewRegistry(),
		platform:       platformMgr,
		rates:          ratefeed.NewFeed(),
		idempotency:    idempotencyChecker,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		snapshotReq:    make(chan chan *SnapshotState),
	}
}

// Run drains submissions until the context ends. It is the only goroutine
// allowed to call Apply.
func (e *Engine) Run(ctx context.Context, submissions <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-submissions:
			if !ok {
				return nil
			}
			res := e.Apply(sub.Cmd, sub.Timestamp)
			if sub.Reply != nil {
				sub.Reply <- res
			}

		case reply := <-e.snapshotReq:
			reply <- e.CreateSnapshotState()
		}
	}
}

// Apply is the main processing pipeline: dedup, dispatch, batch application,
// state hashing, emission, invariant post-checks.
func (e *Engine) Apply(cmd command.Command, ts time.Time) Result {
	start := time.Now()
	opType := cmd.OpType().String()
	requestID := cmd.RequestID()

	// Step 1: idempotency check (two-tier)
	if !e.replay && e.idempotency.IsDuplicate(opType, requestID) {
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return Result{Receipt: Receipt{Duplicate: true}}
	}

	// Step 2: dispatch
	batch, touched, derivID, err := e.dispatch(cmd)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opType, rejectionReason(err)).Inc()
		}
		return Result{Err: err}
	}

	// Step 3: validate and apply journals. Empty batches are legal: ownership
	// transfers, admin toggles, rate records and height ticks move no funds
	// but still need an envelope in the operation log.
	if len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch at seq %d: %v", e.sequence, err))
		}
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: pre-checked batch failed to apply at seq %d: %v", e.sequence, err))
		}
	}

	// Step 4: state hash chain
	stateDigest := e.computeStateDigest(batch, touched)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: command payload not serializable: %v", err))
	}

	envelope := &command.OpEnvelope{
		Sequence:  e.sequence,
		RequestID: requestID,
		OpType:    cmd.OpType(),
		Caller:    cmd.Caller(),
		Height:    e.height,
		Timestamp: ts,
		Payload:   payload,
		StateHash: stateHash,
		PrevHash:  prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	if touched != nil {
		posCopy := *touched
		output.Position = &posCopy
	}
	if cmd.OpType() == command.OpTypeRecordRate {
		if entry, ok := e.rates.Get(e.height); ok {
			output.Rate = &entry
		}
	}

	e.sequence++

	// Step 5: post-checks
	if err := e.postCheckInvariants(cmd, touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: emit. Persistence uses a BLOCKING send (backpressure stalls the
	// engine rather than losing an operation). Projections use a non-blocking
	// send with silent drop; they rebuild from the operation log.
	if e.persistChan != nil && !e.replay {
		e.persistChan <- output
	}
	if e.projectionChan != nil && !e.replay {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 7: mark processed (add to LRU)
	e.idempotency.MarkProcessed(opType, requestID)

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.ChainHeight.Set(float64(e.height))
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	return Result{Receipt: Receipt{
		Sequence:     envelope.Sequence,
		Height:       e.height,
		DerivativeID: derivID,
	}}
}

func (e *Engine) dispatch(cmd command.Command) (*ledger.Batch, *registry.Position, uint64, error) {
	switch c := cmd.(type) {
	case *command.WalletFund:
		b, err := e.handleWalletFund(c)
		return b, nil, 0, err
	case *command.Deposit:
		b, err := e.handleDeposit(c)
		return b, nil, 0, err
	case *command.Withdraw:
		b, err := e.handleWithdraw(c)
		return b, nil, 0, err
	case *command.CreateDerivative:
		return e.handleCreate(c)
	case *command.TransferOwnership:
		b, p, err := e.handleTransfer(c)
		return b, p, c.DerivativeID, err
	case *command.Purchase:
		b, p, err := e.handlePurchase(c)
		return b, p, c.DerivativeID, err
	case *command.SettleLong:
		b, p, err := e.handleSettleLong(c)
		return b, p, c.DerivativeID, err
	case *command.SettleShort:
		b, p, err := e.handleSettleShort(c)
		return b, p, c.DerivativeID, err
	case *command.SettleMatured:
		b, p, err := e.handleSettleMatured(c)
		return b, p, c.DerivativeID, err
	case *command.RecordRate:
		b, err := e.handleRecordRate(c)
		return b, nil, 0, err
	case *command.AdvanceHeight:
		b, err := e.handleAdvanceHeight(c)
		return b, nil, 0, err
	case *command.SetSuspended:
		b, err := e.handleAdmin(c, func() error { return e.platform.SetSuspended(c.Principal, c.Value) })
		return b, nil, 0, err
	case *command.SetCriticalMode:
		b, err := e.handleAdmin(c, func() error { return e.platform.SetCriticalMode(c.Principal, c.Value) })
		return b, nil, 0, err
	case *command.SetCommissionRate:
		b, err := e.handleAdmin(c, func() error { return e.platform.SetCommissionRate(c.Principal, c.RateBps) })
		return b, nil, 0, err
	case *command.SetCommissionRecipient:
		b, err := e.handleAdmin(c, func() error { return e.platform.SetCommissionRecipient(c.Principal, c.Recipient) })
		return b, nil, 0, err
	default:
		return nil, nil, 0, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// --- Margin account handlers ---

func (e *Engine) handleWalletFund(c *command.WalletFund) (*ledger.Batch, error) {
	if c.Amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	return e.journalGen.GenerateWalletFund(c.Principal, c.Amount, ledger.AssetUSTX, c.RequestID(), e.height)
}

func (e *Engine) handleDeposit(c *command.Deposit) (*ledger.Batch, error) {
	if e.platform.IsSuspended() {
		return nil, errs.ErrPlatformSuspended
	}
	if c.Amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	if e.balanceTracker.GetWallet(c.Principal, ledger.AssetUSTX) < c.Amount {
		return nil, errs.ErrInsufficientFunds
	}

	batch, err := e.journalGen.GenerateDeposit(c.Principal, c.Amount, ledger.AssetUSTX, c.RequestID(), e.height)
	if err != nil {
		return nil, err
	}

	// First deposit opens the margin account.
	e.balanceTracker.MarkOpened(c.Principal)
	return batch, nil
}

func (e *Engine) handleWithdraw(c *command.Withdraw) (*ledger.Batch, error) {
	if e.platform.IsSuspended() {
		return nil, errs.ErrPlatformSuspended
	}
	if c.Amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	// A missing account withdraws against a zero balance and fails the same
	// way an underfunded one does. Frozen margin is never touchable here.
	if e.balanceTracker.GetAvailable(c.Principal, ledger.AssetUSTX) < c.Amount {
		return nil, errs.ErrInsufficientMargin
	}
	return e.journalGen.GenerateWithdrawal(c.Principal, c.Amount, ledger.AssetUSTX, c.RequestID(), e.height)
}

// --- Derivative lifecycle handlers ---

func (e *Engine) handleCreate(c *command.CreateDerivative) (*ledger.Batch, *registry.Position, uint64, error) {
	if e.platform.IsSuspended() {
		return nil, nil, 0, errs.ErrPlatformSuspended
	}
	if e.platform.IsCriticalMode() {
		return nil, nil, 0, errs.ErrCriticalMode
	}

	params := registry.CreateParams{
		TargetPrice:    c.TargetPrice,
		FeeAmount:      c.FeeAmount,
		Size:           c.Size,
		MaturityHeight: c.MaturityHeight,
		Kind:           c.Kind,
	}
	if err := params.Validate(e.height); err != nil {
		return nil, nil, 0, err
	}

	if !e.balanceTracker.HasMarginAccount(c.Principal) {
		return nil, nil, 0, errs.ErrMarginAccountNotFound
	}

	margin, err := registry.RequiredMargin(c.Kind, c.TargetPrice, c.Size)
	if err != nil {
		return nil, nil, 0, err
	}
	if e.balanceTracker.GetAvailable(c.Principal, ledger.AssetUSTX) < margin {
		return nil, nil, 0, errs.ErrInsufficientMargin
	}

	batch, err := e.journalGen.GenerateMarginLock(c.Principal, margin, ledger.AssetUSTX, c.RequestID(), e.height)
	if err != nil {
		return nil, nil, 0, err
	}

	pos := &registry.Position{
		Creator:         c.Principal,
		Owner:           c.Principal,
		TargetPrice:     c.TargetPrice,
		FeeAmount:       c.FeeAmount,
		MaturityHeight:  c.MaturityHeight,
		Kind:            c.Kind,
		State:           registry.StateOpen,
		Size:            c.Size,
		InceptionHeight: e.height,
		MarginAmount:    margin,
		MarginFrozen:    true,
	}
	id := e.registry.Insert(pos)

	if e.metrics != nil {
		e.metrics.PositionsCreated.WithLabelValues(pos.Kind.String()).Inc()
		e.metrics.OpenPositions.Inc()
		e.metrics.MarginLockedTotal.Add(float64(margin))
	}

	return batch, pos, id, nil
}

func (e *Engine) handleTransfer(c *command.TransferOwnership) (*ledger.Batch, *registry.Position, error) {
	if e.platform.IsSuspended() {
		return nil, nil, errs.ErrPlatformSuspended
	}

	p, err := e.registry.Get(c.DerivativeID)
	if err != nil {
		return nil, nil, err
	}
	if p.State != registry.StateOpen {
		return nil, nil, errs.ErrDerivativeAlreadySettled
	}
	if p.IsMatured(e.height) {
		return nil, nil, errs.ErrDerivativeExpired
	}
	if p.Owner != c.Principal {
		return nil, nil, errs.ErrNotPositionOwner
	}

	p.Owner = c.NewOwner
	return e.journalGen.GenerateEmpty(c.RequestID(), e.height), p, nil
}

func (e *Engine) handlePurchase(c *command.Purchase) (*ledger.Batch, *registry.Position, error) {
	if e.platform.IsSuspended() {
		return nil, nil, errs.ErrPlatformSuspended
	}
	if e.platform.IsCriticalMode() {
		return nil, nil, errs.ErrCriticalMode
	}

	p, err := e.registry.Get(c.DerivativeID)
	if err != nil {
		return nil, nil, err
	}
	if p.State != registry.StateOpen {
		return nil, nil, errs.ErrDerivativeAlreadySettled
	}
	if p.IsMatured(e.height) {
		return nil, nil, errs.ErrDerivativeExpired
	}
	// Primary sale only: once the position changed hands the listing is gone.
	if p.Creator != p.Owner {
		return nil, nil, errs.ErrUnauthorizedUser
	}

	commission, ok := fpmath.ApplyBps(p.FeeAmount, e.platform.CommissionRateBps())
	if !ok {
		return nil, nil, errs.ErrArithmeticOverflow
	}

	recipientKey := ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, ledger.AssetUSTX)
	if r := e.platform.CommissionRecipient(); r != "" {
		recipientKey = ledger.NewUserAccountKey(r, ledger.SubTypeWallet, ledger.AssetUSTX)
	}

	if e.balanceTracker.GetWallet(c.Principal, ledger.AssetUSTX) < p.FeeAmount {
		return nil, nil, errs.ErrInsufficientFunds
	}

	batch, err := e.journalGen.GeneratePurchase(
		c.Principal, p.Creator, recipientKey,
		p.FeeAmount, commission,
		ledger.AssetUSTX, c.RequestID(), e.height,
	)
	if err != nil {
		return nil, nil, err
	}

	p.Owner = c.Principal
	return batch, p, nil
}

func (e *Engine) handleSettleLong(c *command.SettleLong) (*ledger.Batch, *registry.Position, error) {
	if e.platform.IsSuspended() {
		return nil, nil, errs.ErrPlatformSuspended
	}

	p, err := e.registry.Get(c.DerivativeID)
	if err != nil {
		return nil, nil, err
	}
	if p.State != registry.StateOpen {
		return nil, nil, errs.ErrDerivativeAlreadySettled
	}
	if p.IsMatured(e.height) {
		return nil, nil, errs.ErrDerivativeExpired
	}
	if p.Kind != registry.KindLong {
		return nil, nil, errs.ErrUnsupportedDerivativeType
	}
	if p.Owner != c.Principal {
		return nil, nil, errs.ErrNotPositionOwner
	}

	cost, ok := fpmath.CheckedMul(p.TargetPrice, p.Size)
	if !ok {
		return nil, nil, errs.ErrArithmeticOverflow
	}
	if e.balanceTracker.GetWallet(c.Principal, ledger.AssetUSTX) < cost {
		return nil, nil, errs.ErrInsufficientFunds
	}

	batch, err := e.journalGen.GenerateLongSettlement(
		c.Principal, p.Creator, cost, p.MarginAmount,
		ledger.AssetUSTX, c.RequestID(), e.height,
	)
	if err != nil {
		return nil, nil, err
	}

	if err := e.registry.Transition(p, registry.StateSettled); err != nil {
		return nil, nil, err
	}
	p.MarginFrozen = false

	if e.metrics != nil {
		e.metrics.PositionsSettled.WithLabelValues(p.Kind.String(), "exercised").Inc()
		e.metrics.OpenPositions.Dec()
		e.metrics.MarginLockedTotal.Sub(float64(p.MarginAmount))
	}
	return batch, p, nil
}

func (e *Engine) handleSettleShort(c *command.SettleShort) (*ledger.Batch, *registry.Position, error) {
	if e.platform.IsSuspended() {
		return nil, nil, errs.ErrPlatformSuspended
	}

	p, err := e.registry.Get(c.DerivativeID)
	if err != nil {
		return nil, nil, err
	}
	if p.State != registry.StateOpen {
		return nil, nil, errs.ErrDerivativeAlreadySettled
	}
	if p.IsMatured(e.height) {
		return nil, nil, errs.ErrDerivativeExpired
	}
	if p.Kind != registry.KindShort {
		return nil, nil, errs.ErrUnsupportedDerivativeType
	}
	if p.Owner != c.Principal {
		return nil, nil, errs.ErrNotPositionOwner
	}

	payout, ok := fpmath.CheckedMul(p.TargetPrice, p.Size)
	if !ok {
		return nil, nil, errs.ErrArithmeticOverflow
	}
	// Residual margin is returned to the creator. It is NOT clamped: a payout
	// exceeding the locked margin is an arithmetic fault, not a zero residual.
	residual, ok := fpmath.CheckedSub(p.MarginAmount, payout)
	if !ok || residual < 0 {
		return nil, nil, errs.ErrArithmeticOverflow
	}

	batch, err := e.journalGen.GenerateShortSettlement(
		p.Creator, c.Principal, payout, residual,
		ledger.AssetUSTX, c.RequestID(), e.height,
	)
	if err != nil {
		return nil, nil, err
	}

	if err := e.registry.Transition(p, registry.StateSettled); err != nil {
		return nil, nil, err
	}
	p.MarginFrozen = false

	if e.metrics != nil {
		e.metrics.PositionsSettled.WithLabelValues(p.Kind.String(), "exercised").Inc()
		e.metrics.OpenPositions.Dec()
		e.metrics.MarginLockedTotal.Sub(float64(p.MarginAmount))
	}
	return batch, p, nil
}

// handleSettleMatured force-settles an expired position. Anyone may call it,
// and it keeps working while the platform is suspended so locked margin is
// never stranded.
func (e *Engine) handleSettleMatured(c *command.SettleMatured) (*ledger.Batch, *registry.Position, error) {
	p, err := e.registry.Get(c.DerivativeID)
	if err != nil {
		return nil, nil, err
	}
	if !p.IsMatured(e.height) {
		return nil, nil, errs.ErrUnauthorizedUser
	}
	if p.State != registry.StateOpen {
		return nil, nil, errs.ErrDerivativeAlreadySettled
	}

	var batch *ledger.Batch
	if p.MarginFrozen && p.MarginAmount > 0 {
		batch, err = e.journalGen.GenerateMarginRelease(
			p.Creator, p.MarginAmount,
			ledger.AssetUSTX, c.RequestID(), e.height,
		)
		if err != nil {
			return nil, nil, err
		}
	} else {
		batch = e.journalGen.GenerateEmpty(c.RequestID(), e.height)
	}

	if err := e.registry.Transition(p, registry.StateMatured); err != nil {
		return nil, nil, err
	}
	p.MarginFrozen = false

	if e.metrics != nil {
		e.metrics.PositionsSettled.WithLabelValues(p.Kind.String(), "matured").Inc()
		e.metrics.OpenPositions.Dec()
		e.metrics.MarginLockedTotal.Sub(float64(p.MarginAmount))
	}
	return batch, p, nil
}

// --- Platform handlers ---

func (e *Engine) handleRecordRate(c *command.RecordRate) (*ledger.Batch, error) {
	if err := e.rates.Record(e.height, c.Value, c.Principal); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RatesRecorded.Inc()
	}
	return e.journalGen.GenerateEmpty(c.RequestID(), e.height), nil
}

func (e *Engine) handleAdvanceHeight(c *command.AdvanceHeight) (*ledger.Batch, error) {
	// Equal heights are caught by dedup; lower heights mean the block feed
	// replayed out of order.
	if c.Height <= e.height {
		return nil, fmt.Errorf("stale height %d, current %d: %w", c.Height, e.height, errs.ErrInvalidAmount)
	}
	e.height = c.Height
	return e.journalGen.GenerateEmpty(c.RequestID(), c.Height), nil
}

func (e *Engine) handleAdmin(cmd command.Command, apply func() error) (*ledger.Batch, error) {
	if err := apply(); err != nil {
		return nil, err
	}
	return e.journalGen.GenerateEmpty(cmd.RequestID(), e.height), nil
}

// --- State hashing ---

// computeStateDigest builds canonical bytes over everything the operation
// touched: affected account balances (sorted by path), the mutated position
// record, and the chain height.
func (e *Engine) computeStateDigest(batch *ledger.Batch, touched *registry.Position) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+192)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.balanceTracker.GetBalance(key))
	}

	if touched != nil {
		digest = append(digest, touched.CanonicalBytes()...)
	}

	digest = appendInt64LE(digest, e.height)
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Invariant post-checks ---

func (e *Engine) postCheckInvariants(cmd command.Command, touched *registry.Position) error {
	principals := make(map[ledger.Address]bool)
	if caller := cmd.Caller(); caller != "" {
		principals[caller] = true
	}
	if touched != nil {
		principals[touched.Creator] = true
		principals[touched.Owner] = true
	}

	for principal := range principals {
		if err := e.validator.ValidatePrincipalNonNegative(principal, ledger.AssetUSTX); err != nil {
			return fmt.Errorf("post-check negative balance: %w", err)
		}
	}

	// Margin conservation: the ledger's frozen balance for a creator must
	// equal the registry's view of margin still locked behind their positions.
	if touched != nil {
		registryFrozen := e.registry.FrozenMarginByCreator(touched.Creator)
		if err := e.validator.ValidateFrozenMatches(touched.Creator, ledger.AssetUSTX, registryFrozen); err != nil {
			return fmt.Errorf("post-check margin conservation: %w", err)
		}
	}

	// Periodic global zero-sum check
	if e.sequence > 0 && e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance (seq %d): %w", e.sequence, err)
		}
	}

	return nil
}

// rejectionReason maps an operation error to a low-cardinality metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrPlatformSuspended):
		return "suspended"
	case errors.Is(err, errs.ErrCriticalMode):
		return "critical_mode"
	case errors.Is(err, errs.ErrInvalidAmount),
		errors.Is(err, errs.ErrInvalidTargetPrice),
		errors.Is(err, errs.ErrInvalidFee),
		errors.Is(err, errs.ErrInvalidPositionSize),
		errors.Is(err, errs.ErrInvalidMaturity),
		errors.Is(err, errs.ErrUnsupportedDerivativeType):
		return "validation"
	case errors.Is(err, errs.ErrInsufficientMargin),
		errors.Is(err, errs.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, errs.ErrMarginAccountNotFound),
		errors.Is(err, errs.ErrInvalidDerivativeID),
		errors.Is(err, errs.ErrDerivativeNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrDerivativeExpired),
		errors.Is(err, errs.ErrDerivativeAlreadySettled):
		return "lifecycle"
	case errors.Is(err, errs.ErrNotPositionOwner),
		errors.Is(err, errs.ErrUnauthorizedUser):
		return "unauthorized"
	case errors.Is(err, errs.ErrArithmeticOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

// --- Snapshot restore & startup methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	Height          int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	OpenedAccounts  []ledger.Address
	Positions       []*registry.Position
	NextID          uint64
	Platform        platform.Snapshot
	Rates           []ratefeed.Entry
	IdempotencyKeys []string
}

// RestoreFromSnapshot loads the engine's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay the operation log.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1
	e.height = snap.Height
	e.hasher.SetPrevHash(snap.StateHash)
	e.balanceTracker.Restore(snap.Balances, snap.OpenedAccounts)
	e.registry.Restore(snap.Positions, snap.NextID)
	e.platform.Restore(snap.Platform)
	e.rates.Restore(snap.Rates)
	e.journalGen.SetSequence(e.sequence)
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Positions are copied so the caller may read them after the engine moves on.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	live := e.registry.All()
	positions := make([]*registry.Position, len(live))
	for i, p := range live {
		cp := *p
		positions[i] = &cp
	}

	return &SnapshotState{
		Sequence:        e.sequence - 1, // last processed sequence
		Height:          e.height,
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.balanceTracker.Snapshot(),
		OpenedAccounts:  e.balanceTracker.OpenedAccounts(),
		Positions:       positions,
		NextID:          e.registry.NextID(),
		Platform:        e.platform.Snapshot(),
		Rates:           e.rates.All(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RequestSnapshot asks the engine goroutine for a state capture. Safe to
// call from any goroutine while Run is draining submissions.
func (e *Engine) RequestSnapshot(ctx context.Context) (*SnapshotState, error) {
	reply := make(chan *SnapshotState, 1)

	select {
	case e.snapshotReq <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetReplay toggles replay mode. Only call before Run starts.
func (e *Engine) SetReplay(on bool) {
	e.replay = on
}

// WarmLRU loads recent request ids into the dedup cache, avoiding cold-path
// DB lookups right after startup.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current chain tip.
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Height returns the chain height the engine last observed.
func (e *Engine) Height() int64 {
	return e.height
}

// MarginAccountOf returns the margin account view for a principal. Only safe
// from the engine goroutine or in tests before Run starts.
func (e *Engine) MarginAccountOf(principal ledger.Address) (ledger.MarginAccount, bool) {
	return e.balanceTracker.GetMarginAccount(principal, ledger.AssetUSTX)
}

// PositionOf returns a registry record. Same ownership rules as
// MarginAccountOf.
func (e *Engine) PositionOf(id uint64) (*registry.Position, error) {
	return e.registry.Get(id)
}

// RateAt returns the recorded observation at a height.
func (e *Engine) RateAt(height int64) (ratefeed.Entry, bool) {
	return e.rates.Get(height)
}
