// Package processor runs the main control loop that turns durable pending
// queue rows into on-chain batch transactions: polling the queue, deciding
// when to dispatch, leasing relayer accounts, emitting batches, and
// verifying on-chain outcomes.
package processor

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/zamaoracle/vrf-fulfiller/internal/batchcodec"
	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
	"github.com/zamaoracle/vrf-fulfiller/internal/queuestore"
	"github.com/zamaoracle/vrf-fulfiller/internal/randsrc"
	"github.com/zamaoracle/vrf-fulfiller/internal/relayerpool"
)

// Config tunes the control loop's polling cadence and dispatch thresholds.
type Config struct {
	PollInterval      time.Duration
	BatchTimeout      time.Duration
	MaxBatchSize      int
	RelayerBackoff    time.Duration
	RelayerMaxRetries int
}

// DefaultConfig matches the documented defaults for the control loop.
func DefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		BatchTimeout:      1 * time.Second,
		MaxBatchSize:      100,
		RelayerBackoff:    500 * time.Millisecond,
		RelayerMaxRetries: 3,
	}
}

// Processor owns the control loop and spawns concurrent batch attempts.
type Processor struct {
	store      queuestore.Store
	pool       *relayerpool.Pool
	randSource *randsrc.Source
	cfg        Config
	logger     zerolog.Logger

	wg sync.WaitGroup

	mu           sync.Mutex
	lastEmptyLog time.Time
	lastDispatch time.Time
}

// New builds a Processor over the given queue store and relayer pool.
func New(store queuestore.Store, pool *relayerpool.Pool, randSource *randsrc.Source, cfg Config, logger zerolog.Logger) *Processor {
	return &Processor{
		store:      store,
		pool:       pool,
		randSource: randSource,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, executing the control loop until ctx is cancelled. On
// cancellation it stops issuing new batch attempts and waits for in-flight
// attempts to finish (so a submitted transaction is always verified and
// the queue state updated), bounded by drainTimeout.
func (p *Processor) Run(ctx context.Context, drainTimeout time.Duration) error {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("processor shutting down, draining in-flight batch attempts")
			drained := make(chan struct{})
			go func() {
				p.wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
				p.logger.Info().Msg("all batch attempts drained")
			case <-time.After(drainTimeout):
				p.logger.Warn().Msg("drain timeout exceeded, exiting with attempts still in flight")
			}
			return ctx.Err()
		case <-ticker.C:
			if idle := p.tick(ctx); idle {
				ticker.Reset(p.cfg.PollInterval)
			} else {
				ticker.Reset(p.tickInterval())
			}
		}
	}
}

// tickInterval is the loop's cadence while work is pending: the shorter of
// the configured poll interval and a bound fine enough to notice the
// timeout dispatch condition promptly.
func (p *Processor) tickInterval() time.Duration {
	const fineBound = 50 * time.Millisecond
	if p.cfg.PollInterval < fineBound {
		return p.cfg.PollInterval
	}
	return fineBound
}

// tick runs one pass of the control loop. It reports whether the queue was
// empty, in which case Run waits a full poll interval before the next pass.
func (p *Processor) tick(ctx context.Context) (idle bool) {
	n, err := p.store.PendingCount(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to read pending count, will retry next tick")
		return false
	}

	if n == 0 {
		p.mu.Lock()
		logEmpty := time.Since(p.lastEmptyLog) >= 10*time.Second
		if logEmpty {
			p.lastEmptyLog = time.Now()
		}
		p.mu.Unlock()
		if logEmpty {
			p.logger.Debug().Msg("queue empty")
		}
		return true
	}

	if !p.shouldDispatch(n) {
		return false
	}

	p.mu.Lock()
	p.lastDispatch = time.Now()
	p.mu.Unlock()

	numEligible := p.pool.Len()
	batches := int(math.Ceil(float64(n) / float64(p.cfg.MaxBatchSize)))
	if batches > numEligible {
		batches = numEligible
	}
	if batches < 1 {
		batches = 1
	}

	for i := 0; i < batches; i++ {
		rows, err := p.store.DequeueN(ctx, p.cfg.MaxBatchSize)
		if err != nil {
			p.logger.Warn().Err(err).Msg("dequeue failed")
			break
		}
		if len(rows) == 0 {
			break
		}

		p.wg.Add(1)
		go func(rows []queuestore.Request) {
			defer p.wg.Done()
			p.attemptBatch(context.WithoutCancel(ctx), rows)
		}(rows)
	}
	return false
}

// shouldDispatch implements the size-or-timeout dispatch condition: fire
// once pending work is large enough to fill a batch, or once any pending
// work has been waiting at least batch_timeout since the last dispatch.
func (p *Processor) shouldDispatch(n int64) bool {
	if n >= int64(p.cfg.MaxBatchSize) {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastDispatch) >= p.cfg.BatchTimeout
}

// attemptBatch runs one batch attempt to completion: acquire a relayer,
// build calls, send, verify per-row outcomes, and release the relayer.
func (p *Processor) attemptBatch(ctx context.Context, rows []queuestore.Request) {
	account, err := p.acquireWithBackoff(ctx)
	if err != nil {
		// NoAvailableRelayer never surfaces to the queue: the rows stay
		// processing and are reclaimed by the lease-expiry path in
		// DequeueN once their lease goes stale, rather than burning a
		// retry slot that's reserved for on-chain/verify failures.
		p.logger.Warn().Err(err).Int("rows", len(rows)).Msg("no relayer available after backoff, leaving batch for lease-expiry recovery")
		return
	}
	defer p.pool.Release(account.Address())

	calls, err := p.buildCalls(rows)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build batch calls")
		p.markBatchFailed(ctx, rows, err)
		return
	}

	payload, err := batchcodec.EncodeBatch(calls)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode batch payload")
		p.markBatchFailed(ctx, rows, err)
		return
	}

	metrics.BatchSize.Observe(float64(len(rows)))

	txHash, err := account.SendBatch(ctx, payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("relayer", account.Address().Hex()).Msg("send_batch failed")
		p.markBatchFailed(ctx, rows, err)
		return
	}

	p.logger.Info().
		Str("tx_hash", txHash.Hex()).
		Str("relayer", account.Address().Hex()).
		Int("rows", len(rows)).
		Msg("batch submitted")

	p.verifyAndUpdate(ctx, account, rows)
}

func (p *Processor) markBatchFailed(ctx context.Context, rows []queuestore.Request, cause error) {
	ids := requestIDs(rows)
	if err := p.store.MarkBatchFailed(ctx, ids, cause.Error()); err != nil {
		p.logger.Error().Err(err).Msg("failed to mark batch failed")
	}
}

// buildCalls draws one fresh random value per row and encodes the
// fulfillment calls.
func (p *Processor) buildCalls(rows []queuestore.Request) ([]batchcodec.Call, error) {
	ids := make([][32]byte, len(rows))
	contracts := make([]common.Address, len(rows))
	values := make([]*big.Int, len(rows))

	for i, r := range rows {
		ids[i] = [32]byte(r.RequestID)
		contracts[i] = r.ContractAddress

		v, err := p.randSource.Next()
		if err != nil {
			return nil, fmt.Errorf("processor: failed to draw randomness for request %x: %w", r.RequestID, err)
		}
		values[i] = v
	}

	return batchcodec.BuildCalls(ids, contracts, values)
}

// verifyAndUpdate queries getRandomness for each row after the batch
// transaction is mined, since the batch delegate may silently skip
// individual sub-calls (already-fulfilled, revert swallowed, replay).
func (p *Processor) verifyAndUpdate(ctx context.Context, account relayerpool.Account, rows []queuestore.Request) {
	for _, r := range rows {
		data := batchcodec.EncodeGetRandomness([32]byte(r.RequestID))
		result, err := account.Call(ctx, r.ContractAddress, data)
		if err != nil {
			p.logger.Warn().Err(err).Str("request_id", hexRequestID(r.RequestID)).Msg("getRandomness call failed, requeueing")
			metrics.BatchUnfulfilled.Inc()
			p.requeue(ctx, r.RequestID)
			continue
		}

		fulfilled, _, err := batchcodec.DecodeIsFulfilled(result)
		if err != nil || !fulfilled {
			metrics.BatchUnfulfilled.Inc()
			p.requeue(ctx, r.RequestID)
			continue
		}

		metrics.BatchFulfilled.Inc()
		metrics.RequestsFulfilled.Inc()
		metrics.QueueLatencySeconds.Observe(time.Since(r.CreatedAt).Seconds())
		if err := p.store.MarkFulfilled(ctx, r.RequestID); err != nil {
			p.logger.Error().Err(err).Str("request_id", hexRequestID(r.RequestID)).Msg("failed to mark request fulfilled")
		}
	}
}

func (p *Processor) requeue(ctx context.Context, id queuestore.RequestID) {
	if err := p.store.Requeue(ctx, id); err != nil {
		p.logger.Error().Err(err).Str("request_id", hexRequestID(id)).Msg("failed to requeue unfulfilled request")
	}
}

// acquireWithBackoff retries relayerpool.Acquire a bounded number of times
// on ErrNoAvailableRelayer: back off and retry within the same batch
// attempt, never surfacing to the queue.
func (p *Processor) acquireWithBackoff(ctx context.Context) (relayerpool.Account, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RelayerMaxRetries; attempt++ {
		account, err := p.pool.Acquire(ctx)
		if err == nil {
			return account, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.RelayerBackoff):
		}
	}
	return nil, lastErr
}

func requestIDs(rows []queuestore.Request) []queuestore.RequestID {
	ids := make([]queuestore.RequestID, len(rows))
	for i, r := range rows {
		ids[i] = r.RequestID
	}
	return ids
}

func hexRequestID(id queuestore.RequestID) string {
	return common.Bytes2Hex(id[:])
}
