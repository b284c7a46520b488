// Package ingestion implements the C2 trust boundary: the single point
// where telemetry from DPI probes and host agents crosses from an
// untrusted wire into the correlation pipeline. Every admitted envelope has
// passed component-type, schema-version and clock-skew bounds, identity
// verification, integrity-hash correspondence, and sequence, nonce-replay
// and duplicate detection, in that order, fail-closed at every step. Admission is backpressure-aware: a full
// per-producer queue or an active global backpressure signal rejects
// explicitly rather than dropping silently, and critical-priority
// producers are exempt from rate limiting and shedding but never from
// identity or integrity verification.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/infrastructure/ratelimit"
	"github.com/ransomeye/coreplane/infrastructure/utils"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/trust"
)

// Correlator is the narrow surface ingestion needs from the correlation
// engine, kept as an interface so tests can substitute a recorder.
type Correlator interface {
	Submit(ctx context.Context, s model.Signal) (*model.DetectionResult, error)
}

// Boundary is the C2 ingestion boundary.
type Boundary struct {
	cfg Config

	identity *trust.IdentityVerifier
	corr     Correlator
	log      *logrus.Entry

	sequences *sequenceTracker
	nonces    *nonceTracker
	dedup     *dedupCache
	global    globalBackpressure

	mu             sync.Mutex
	queues         map[string]*producerQueue
	standardLimits map[string]*ratelimit.RateLimiter
	criticalLimits map[string]*ratelimit.RateLimiter

	drainOrder []string
	nextDrain  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Boundary. identity and corr must not be nil.
func New(cfg Config, identity *trust.IdentityVerifier, corr Correlator, log *logrus.Entry) *Boundary {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Boundary{
		cfg:            cfg,
		identity:       identity,
		corr:           corr,
		log:            log,
		sequences:      newSequenceTracker(),
		nonces:         newNonceTracker(cfg.NonceWindow),
		dedup:          newDedupCache(cfg.DedupTTL),
		queues:         make(map[string]*producerQueue),
		standardLimits: make(map[string]*ratelimit.RateLimiter),
		criticalLimits: make(map[string]*ratelimit.RateLimiter),
	}
}

// SetGlobalBackpressure is the hook the resource governor drives: while on,
// Submit rejects every envelope from a non-critical producer regardless of
// that producer's own queue state.
func (b *Boundary) SetGlobalBackpressure(on bool) {
	b.global.Set(on)
}

// Start launches the drain worker pool. Start is idempotent; calling it
// more than once is a no-op until Stop has been called.
func (b *Boundary) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	drainCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	workers := b.cfg.DrainWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		// drainLoop's own defer releases b.wg regardless of whether it
		// returns normally or panics; SafeGo only needs to keep one
		// worker's panic from taking down the process.
		utils.SafeGo(func() { b.drainLoop(drainCtx) }, func(err error) {
			b.log.WithError(err).Error("ingestion: drain worker panicked; worker exiting")
		})
	}
}

// Stop halts the drain worker pool and waits for it to exit.
func (b *Boundary) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Submit runs the full admission pipeline over a raw envelope payload and,
// on success, places it in its producer's queue for draining. It returns a
// typed error identifying exactly which admission step rejected the
// envelope; it never silently drops input.
func (b *Boundary) Submit(ctx context.Context, envelopeBytes []byte) error {
	var envelope model.EventEnvelope
	if err := json.Unmarshal(envelopeBytes, &envelope); err != nil {
		return coreerr.Contract("ingestion.Submit", "envelope is not valid JSON: "+err.Error())
	}

	if !model.SupportedComponentTypes[envelope.ComponentType] {
		return coreerr.Contract("ingestion.Submit", "unsupported component_type: "+string(envelope.ComponentType))
	}
	if envelope.SchemaVersion < b.cfg.MinSchemaVersion || envelope.SchemaVersion > b.cfg.MaxSchemaVersion {
		return coreerr.Contract("ingestion.Submit", "schema_version out of supported range")
	}

	now := time.Now().UTC()
	skew := now.Sub(envelope.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > b.cfg.ClockSkew {
		return coreerr.Contract("ingestion.Submit", "envelope timestamp exceeds clock skew tolerance")
	}

	critical := IsCritical(envelope.ComponentType)
	if b.global.On() && !critical {
		return coreerr.Capacity("ingestion.Submit", "global backpressure active")
	}

	if _, err := b.identity.Verify(&envelope, now); err != nil {
		return err
	}

	if err := verifyIntegrityHash(&envelope); err != nil {
		return err
	}

	if err := b.sequences.Validate(envelope.ProducerID, envelope.SequenceNumber); err != nil {
		return err
	}
	if err := b.nonces.ValidateAndMark(envelope.ProducerID, envelope.Nonce, now); err != nil {
		return err
	}
	if b.dedup.SeenBefore(ctx, envelope.IntegrityHash) {
		return coreerr.Replay("ingestion.Submit", envelope.IntegrityHash)
	}

	if !critical {
		limiter := b.rateLimiterFor(envelope.ProducerID, critical)
		if !limiter.Allow() {
			return coreerr.Capacity("ingestion.Submit", "producer "+envelope.ProducerID+" exceeded rate limit")
		}
	}

	queue := b.queueFor(envelope.ProducerID)
	if !critical && queue.isBackpressured(now, b.cfg.BackpressureAutoClear) {
		return coreerr.Capacity("ingestion.Submit", "producer "+envelope.ProducerID+" is under backpressure")
	}

	if err := queue.Add(admittedEvent{envelope: &envelope, producer: envelope.ProducerID}); err != nil {
		if !critical {
			queue.signalBackpressure(now)
		}
		return err
	}
	return nil
}

// verifyIntegrityHash independently checks that integrity_hash corresponds
// to event_data. trust.IdentityVerifier.Verify only checks that the
// signature covers the claimed integrity_hash; it does not check that the
// hash matches the payload actually carried, so a producer that signed one
// integrity_hash could not otherwise be caught substituting different
// event_data bytes.
func verifyIntegrityHash(envelope *model.EventEnvelope) error {
	sum := sha256.Sum256([]byte(envelope.EventData))
	if hex.EncodeToString(sum[:]) != envelope.IntegrityHash {
		return coreerr.IntegrityMsg("ingestion.verifyIntegrityHash", "integrity_hash does not match event_data")
	}
	return nil
}

func (b *Boundary) queueFor(producerID string) *producerQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[producerID]
	if !ok {
		q = newProducerQueue(b.cfg.ProducerQueueCapacity)
		b.queues[producerID] = q
		b.drainOrder = append(b.drainOrder, producerID)
	}
	return q
}

func (b *Boundary) rateLimiterFor(producerID string, critical bool) *ratelimit.RateLimiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	limits := b.standardLimits
	rps, burst := b.cfg.StandardRatePerSecond, b.cfg.StandardBurst
	if critical {
		limits = b.criticalLimits
		rps, burst = b.cfg.CriticalRatePerSecond, b.cfg.CriticalBurst
	}
	rl, ok := limits[producerID]
	if !ok {
		rl = ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: rps, Burst: burst})
		limits[producerID] = rl
	}
	return rl
}

// drainLoop round-robins across producer queues, normalizing and submitting
// one event at a time to the correlator. Round-robin rather than a single
// merged channel keeps one noisy producer from starving another's drain
// share.
func (b *Boundary) drainLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOne(ctx)
		}
	}
}

func (b *Boundary) drainOne(ctx context.Context) {
	producer, queue := b.nextQueue()
	if queue == nil {
		return
	}

	select {
	case ev := <-queue.ch:
		b.process(ctx, ev)
	default:
		_ = producer
	}
}

func (b *Boundary) nextQueue() (string, *producerQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.drainOrder) == 0 {
		return "", nil
	}
	idx := b.nextDrain % len(b.drainOrder)
	b.nextDrain++
	producer := b.drainOrder[idx]
	return producer, b.queues[producer]
}

func (b *Boundary) process(ctx context.Context, ev admittedEvent) {
	signals, err := normalizeSignals(ev.envelope)
	if err != nil {
		b.log.WithError(err).WithField("producer_id", ev.producer).Warn("ingestion: dropping envelope that failed normalization")
		return
	}
	for _, s := range signals {
		if _, err := b.corr.Submit(ctx, s); err != nil {
			b.log.WithError(err).WithField("producer_id", ev.producer).Warn("ingestion: correlator rejected signal")
		}
	}
}
