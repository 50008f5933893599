package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/backoff"
	"github.com/HighNoonStudio/lib-guard/guard/circuitbreaker"
	"github.com/HighNoonStudio/lib-guard/guard/idempotency"
	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/lock"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"
)

// Dependency errors returned by New.
var (
	ErrStoreRequired = errors.New("ledger store is required")
	ErrLocksRequired = errors.New("lock coordinator is required")
	ErrCacheRequired = errors.New("idempotency cache is required")
)

const (
	defaultCASRetries = 3
	defaultRetryBase  = 50 * time.Millisecond
	defaultLockTTL    = 10 * time.Second
	// Reservations outlive any realistic in-flight attempt so a crashed
	// holder clears on its own, but are short enough that a wedged id
	// frees quickly.
	defaultReserveTTL = 5 * time.Minute
	// Results are retained long enough to cover client retry windows.
	defaultResultTTL = 48 * time.Hour

	lockKeyPrefix = "guard:lock:"
)

// Guard is the single entry point for atomic, idempotent resource
// transitions. It composes the ledger store (source of truth), the lock
// coordinator (advisory serialization), and the idempotency cache
// (replay protection).
//
// Concurrency: Execute may be called from arbitrarily many goroutines.
// Operations on the same resource serialize on the lock; operations on
// different resources proceed in parallel. Correctness never depends on
// the lock alone: the ledger's compare-and-set carries it even when a
// TTL expires mid-flight.
type Guard struct {
	store   ledger.Store
	journal ledger.Journal
	locks   lock.Coordinator
	cache   idempotency.Cache
	breaker *circuitbreaker.Breaker
	logger  log.Logger

	casRetries int
	retryBase  time.Duration
	lockTTL    time.Duration
	reserveTTL time.Duration
	resultTTL  time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger. Defaults to the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithJournal enables append-only audit entries for every commit.
func WithJournal(journal ledger.Journal) Option {
	return func(g *Guard) {
		g.journal = journal
	}
}

// WithBreaker wraps every backend call in the given circuit breaker.
// While the breaker is open, all operations fail closed with
// ErrBackendUnavailable.
func WithBreaker(breaker *circuitbreaker.Breaker) Option {
	return func(g *Guard) {
		g.breaker = breaker
	}
}

// WithCASRetries bounds how many times a version conflict is retried
// before the operation returns ErrContended.
func WithCASRetries(n int) Option {
	return func(g *Guard) {
		if n >= 0 {
			g.casRetries = n
		}
	}
}

// WithRetryBase sets the base delay for jittered backoff between
// compare-and-set retries.
func WithRetryBase(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retryBase = d
		}
	}
}

// WithLockTTL sets the lock expiry. Size it conservatively: at least
// three times the expected operation latency, because TTL expiry is the
// only thing standing between a crashed holder and a stuck resource.
func WithLockTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockTTL = d
		}
	}
}

// WithReserveTTL sets how long an in-progress reservation may live
// before it self-clears.
func WithReserveTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.reserveTTL = d
		}
	}
}

// WithResultTTL sets how long committed results are retained for
// replay detection.
func WithResultTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.resultTTL = d
		}
	}
}

// New creates a Guard over the given backends.
func New(store ledger.Store, locks lock.Coordinator, cache idempotency.Cache, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if locks == nil {
		return nil, ErrLocksRequired
	}

	if cache == nil {
		return nil, ErrCacheRequired
	}

	g := &Guard{
		store:      store,
		locks:      locks,
		cache:      cache,
		logger:     log.NewNop(),
		casRetries: defaultCASRetries,
		retryBase:  defaultRetryBase,
		lockTTL:    defaultLockTTL,
		reserveTTL: defaultReserveTTL,
		resultTTL:  defaultResultTTL,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Execute applies one idempotent transition and returns its receipt.
//
// The same operation id always yields the same receipt: a replayed id
// returns the stored result without re-executing. Failures map onto the
// guard taxonomy: ErrBusy and ErrContended are retryable with the same
// id, ErrRejected requires corrected inputs, ErrBackendUnavailable
// commits nothing.
func (g *Guard) Execute(ctx context.Context, op Operation) (*Receipt, error) {
	if err := op.Validate(ctx); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "guard.execute")
	defer span.End()

	logger := g.logger.With(
		log.String("operation_id", op.OperationID),
		log.String("resource_id", op.ResourceID),
	)

	fingerprint := op.fingerprint()

	// Reserve the idempotency slot before anything else. Any cache
	// failure here rejects the operation: proceeding without duplicate
	// protection is exactly the fail-open bug this library exists to
	// prevent.
	reservation, err := g.reserve(ctx, op.OperationID, fingerprint)
	if err != nil {
		telemetry.HandleSpanError(span, "idempotency reserve failed", err)

		return nil, err
	}

	switch reservation.State {
	case idempotency.StateCompleted:
		if reservation.Fingerprint != fingerprint {
			logger.Log(ctx, log.LevelWarn, "operation id reused with different content")

			return nil, ErrFingerprintMismatch
		}

		receipt, err := decodeReceipt(reservation.Result)
		if err != nil {
			telemetry.HandleSpanError(span, "stored result corrupt", err)

			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}

		receipt.Replayed = true
		logger.Log(ctx, log.LevelDebug, "operation replayed from cache")

		return receipt, nil

	case idempotency.StateInProgress:
		logger.Log(ctx, log.LevelDebug, "operation already in progress")

		return nil, fmt.Errorf("%w: operation already in progress", ErrBusy)
	}

	// Fresh reservation: RECEIVED -> RESERVED.
	receipt, err := g.run(ctx, op, fingerprint, logger)
	if err != nil {
		telemetry.HandleSpanError(span, "transition failed", err)

		return nil, err
	}

	return receipt, nil
}

// run drives a freshly reserved operation through lock, validation,
// commit, and result recording.
func (g *Guard) run(ctx context.Context, op Operation, fingerprint string, logger log.Logger) (*Receipt, error) {
	handle, acquired, err := g.acquire(ctx, op.ResourceID)
	if err != nil {
		g.rollback(ctx, op.OperationID, logger)

		return nil, err
	}

	if !acquired {
		// RESERVED -> BUSY. Roll the reservation back so an immediate
		// client retry is not misread as a duplicate in flight.
		g.rollback(ctx, op.OperationID, logger)
		logger.Log(ctx, log.LevelDebug, "resource lock busy")

		return nil, fmt.Errorf("%w: lock held for resource", ErrBusy)
	}

	defer func() {
		if err := handle.Release(ctx); err != nil {
			logger.Log(ctx, log.LevelError, "lock release failed", log.Err(err))
		}
	}()

	for attempt := 0; attempt <= g.casRetries; attempt++ {
		if attempt > 0 {
			// The lock is advisory; losing it mid-retry only costs
			// serialization, never correctness, so an expired renewal
			// is logged and the compare-and-set still decides.
			if err := handle.Renew(ctx, g.lockTTL); err != nil {
				logger.Log(ctx, log.LevelWarn, "lock renewal failed", log.Err(err))
			}

			if err := backoff.SleepWithContext(ctx, backoff.ExponentialWithJitter(g.retryBase, attempt-1)); err != nil {
				g.rollback(ctx, op.OperationID, logger)

				return nil, fmt.Errorf("%w: %w", ErrContended, err)
			}
		}

		current, err := g.read(ctx, op)
		if err != nil {
			g.rollback(ctx, op.OperationID, logger)

			return nil, err
		}

		// RESERVED -> VALIDATED: rules run against the freshest state,
		// and re-run on every conflict retry.
		proposed, err := g.validate(ctx, op, current)
		if err != nil {
			g.rollback(ctx, op.OperationID, logger)
			logger.Log(ctx, log.LevelDebug, "transition rejected",
				log.Int64("current", current.Value), log.Err(err))

			return nil, err
		}

		updated, err := g.commit(ctx, op.ResourceID, current.Version, proposed)
		if errors.Is(err, ledger.ErrVersionConflict) {
			logger.Log(ctx, log.LevelDebug, "version conflict, retrying",
				log.Int("attempt", attempt+1))

			continue
		}

		if err != nil {
			g.rollback(ctx, op.OperationID, logger)

			return nil, err
		}

		// VALIDATED -> COMMITTED. From here on the transition is
		// durable and must be reported as such.
		receipt := &Receipt{
			OperationID: op.OperationID,
			ResourceID:  op.ResourceID,
			Previous:    current.Value,
			Value:       updated.Value,
			Version:     updated.Version,
			CommittedAt: updated.UpdatedAt,
		}

		g.record(ctx, op, fingerprint, current, updated, receipt, logger)

		logger.Log(ctx, log.LevelInfo, "transition committed",
			log.Int64("previous", receipt.Previous),
			log.Int64("value", receipt.Value),
			log.Uint64("version", receipt.Version),
		)

		return receipt, nil
	}

	// VALIDATED -> CONTENDED: the id stays retryable.
	g.rollback(ctx, op.OperationID, logger)
	logger.Log(ctx, log.LevelWarn, "compare-and-set retries exhausted",
		log.Int("retries", g.casRetries))

	return nil, fmt.Errorf("%w: %d compare-and-set attempts", ErrContended, g.casRetries+1)
}

// reserve claims the operation id, failing closed on any cache error.
func (g *Guard) reserve(ctx context.Context, operationID, fingerprint string) (*idempotency.Reservation, error) {
	var reservation *idempotency.Reservation

	err := g.protect(func() error {
		var err error
		reservation, err = g.cache.CheckAndReserve(ctx, operationID, fingerprint, g.reserveTTL)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency cache: %w", ErrBackendUnavailable, err)
	}

	return reservation, nil
}

// acquire takes the advisory resource lock without blocking.
func (g *Guard) acquire(ctx context.Context, resourceID string) (lock.Handle, bool, error) {
	var (
		handle   lock.Handle
		acquired bool
	)

	err := g.protect(func() error {
		var err error
		handle, acquired, err = g.locks.Acquire(ctx, lockKeyPrefix+resourceID, g.lockTTL)

		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: lock coordinator: %w", ErrBackendUnavailable, err)
	}

	return handle, acquired, nil
}

// read fetches current state, lazily provisioning the resource when the
// operation carries an initial value.
func (g *Guard) read(ctx context.Context, op Operation) (*ledger.Resource, error) {
	var (
		current  *ledger.Resource
		notFound bool
	)

	err := g.protect(func() error {
		var err error

		current, err = g.store.Get(ctx, op.ResourceID)
		if errors.Is(err, ledger.ErrNotFound) && op.InitialValue != nil {
			current, err = g.store.Initialize(ctx, op.ResourceID, *op.InitialValue)
			if errors.Is(err, ledger.ErrAlreadyExists) {
				// Lost the provisioning race; the winner's state counts.
				current, err = g.store.Get(ctx, op.ResourceID)
			}
		}

		// An unknown id is domain control flow, not backend health;
		// keep it out of the breaker's failure accounting.
		if errors.Is(err, ledger.ErrNotFound) {
			notFound = true

			return nil
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ledger store: %w", ErrBackendUnavailable, err)
	}

	if notFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, op.ResourceID)
	}

	return current, nil
}

// validate computes the proposed value and applies the operation rules.
func (g *Guard) validate(_ context.Context, op Operation, current *ledger.Resource) (int64, error) {
	proposed, err := op.propose(current)
	if err != nil {
		return 0, err
	}

	for _, rule := range op.Rules {
		if err := rule(current, proposed); err != nil {
			if errors.Is(err, ErrRejected) {
				return 0, err
			}

			return 0, fmt.Errorf("%w: rule failure: %w", ErrBackendUnavailable, err)
		}
	}

	return proposed, nil
}

// commit performs the conditional write.
func (g *Guard) commit(ctx context.Context, resourceID string, expectedVersion uint64, value int64) (*ledger.Resource, error) {
	var updated *ledger.Resource

	err := g.protect(func() error {
		var err error
		updated, err = g.store.CompareAndSet(ctx, resourceID, expectedVersion, value)

		// A conflict is control flow for the retry loop, not a backend
		// failure; keep it out of the breaker's failure accounting.
		if errors.Is(err, ledger.ErrVersionConflict) {
			return nil
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ledger store: %w", ErrBackendUnavailable, err)
	}

	if updated == nil {
		return nil, ledger.ErrVersionConflict
	}

	return updated, nil
}

// record appends the journal entry and finalizes the idempotency
// record. The commit is already durable: failures here are logged, not
// returned, because surfacing them would invite a client retry that the
// expired reservation could no longer deduplicate. Journal gaps surface
// in reconciliation; the postgres journal's unique operation index
// additionally refuses any duplicated effect at the storage layer.
func (g *Guard) record(ctx context.Context, op Operation, fingerprint string, before, after *ledger.Resource, receipt *Receipt, logger log.Logger) {
	if g.journal != nil {
		entry, err := ledger.NewEntry(ctx, op.OperationID, op.ResourceID, before.Value, after.Value, after.Version)
		if err == nil {
			err = g.journal.Append(ctx, entry)
		}

		if err != nil {
			logger.Log(ctx, log.LevelError, "journal append failed after commit", log.Err(err))
		}
	}

	payload, err := encodeReceipt(receipt)
	if err == nil {
		err = g.protect(func() error {
			return g.cache.RecordResult(ctx, op.OperationID, fingerprint, payload, g.resultTTL)
		})
	}

	// COMMITTED -> RECORDED when this succeeds.
	if err != nil {
		logger.Log(ctx, log.LevelError, "result record failed after commit", log.Err(err))
	}
}

// rollback releases the idempotency reservation so the operation id
// stays retryable. Failures only shorten to the reserve TTL window.
func (g *Guard) rollback(ctx context.Context, operationID string, logger log.Logger) {
	err := g.protect(func() error {
		return g.cache.Rollback(ctx, operationID)
	})
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "reservation rollback failed", log.Err(err))
	}
}

// protect runs a backend call through the circuit breaker when one is
// configured. An open breaker fails closed before touching the backend.
func (g *Guard) protect(fn func() error) error {
	if g.breaker == nil {
		return fn()
	}

	return g.breaker.Execute(fn)
}
