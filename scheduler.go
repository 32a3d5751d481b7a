package subrav

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/subrav-foundation/subrav/go/types"
)

// DefaultPollInterval is the claim scheduler's default poll cadence.
const DefaultPollInterval = 30 * time.Second

// ClaimPolicy decides when accumulated receipts are worth an on-chain claim.
type ClaimPolicy struct {
	// MinClaimAmount is the smallest unclaimed delta worth a transaction.
	MinClaimAmount *types.BigInt
	// MaxInterval is the minimum spacing between automatic claims for one
	// sub-channel.
	MaxInterval time.Duration
	// MaxConcurrentClaims bounds in-flight claim submissions.
	MaxConcurrentClaims int
	// MaxRetries bounds automatic retries after a failed submission.
	MaxRetries int
	// RetryDelay is the fixed delay before a failed claim is retried.
	RetryDelay time.Duration
}

// DefaultClaimPolicy returns the policy used when none is configured.
func DefaultClaimPolicy() ClaimPolicy {
	return ClaimPolicy{
		MinClaimAmount:      types.NewBigInt(0),
		MaxInterval:         time.Hour,
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          time.Minute,
	}
}

// retryState is per-sub-channel retry bookkeeping. It is deliberately not
// durable: on restart, unclaimed receipts are re-discovered from the RAV
// store and retries start fresh.
type retryState struct {
	attempts    int
	nextRetryAt time.Time
	nonce       *types.BigInt
}

// ClaimScheduler polls the RAV store for unclaimed receipts and submits
// claims through the payee client under a policy. One scheduler instance
// runs a single poll loop; individual claims within a cycle run concurrently
// up to MaxConcurrentClaims.
type ClaimScheduler struct {
	payee        *PayeeClient
	ravs         RAVRepository
	policy       ClaimPolicy
	pollInterval time.Duration
	logger       *log.Logger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	active    map[string]struct{}
	retries   map[string]*retryState
	lastClaim map[string]time.Time

	loopDone sync.WaitGroup
	claims   sync.WaitGroup
}

// SchedulerOption configures a ClaimScheduler.
type SchedulerOption func(*ClaimScheduler)

// WithClaimPolicy sets the claim policy.
func WithClaimPolicy(policy ClaimPolicy) SchedulerOption {
	return func(s *ClaimScheduler) { s.policy = policy }
}

// WithPollInterval sets the poll cadence.
func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(s *ClaimScheduler) { s.pollInterval = interval }
}

// WithSchedulerLogger sets the logger for claim outcomes.
func WithSchedulerLogger(logger *log.Logger) SchedulerOption {
	return func(s *ClaimScheduler) { s.logger = logger }
}

// NewClaimScheduler creates a scheduler. The payee client and RAV repository
// are required.
func NewClaimScheduler(payee *PayeeClient, ravs RAVRepository, opts ...SchedulerOption) (*ClaimScheduler, error) {
	if payee == nil {
		return nil, fmt.Errorf("payee client is required")
	}
	if ravs == nil {
		return nil, fmt.Errorf("RAV repository is required")
	}

	s := &ClaimScheduler{
		payee:        payee,
		ravs:         ravs,
		policy:       DefaultClaimPolicy(),
		pollInterval: DefaultPollInterval,
		logger:       log.Default(),
		active:       make(map[string]struct{}),
		retries:      make(map[string]*retryState),
		lastClaim:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.MaxConcurrentClaims <= 0 {
		s.policy.MaxConcurrentClaims = 1
	}
	return s, nil
}

// Start launches the poll loop. Starting a running scheduler is a no-op.
func (s *ClaimScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.loopDone.Add(1)
	go s.run(s.stop)
}

// Stop halts the poll loop and waits for in-flight claims to finish.
// Stopping a stopped scheduler is a no-op.
func (s *ClaimScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.loopDone.Wait()
	s.claims.Wait()
}

// run is the self-rescheduling poll loop: a poll always completes and
// reschedules before the next one starts.
func (s *ClaimScheduler) run(stop chan struct{}) {
	defer s.loopDone.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		ctx := context.Background()
		s.pollOnce(ctx)
		timer.Reset(s.pollInterval)
	}
}

// pollOnce runs one cycle: retry pass first, then a scan of unclaimed
// receipts under the policy.
func (s *ClaimScheduler) pollOnce(ctx context.Context) {
	unclaimed, err := s.ravs.GetUnclaimedRAVs(ctx)
	if err != nil {
		s.logger.Printf("subrav: claim poll failed to enumerate unclaimed receipts: %v", err)
		return
	}

	s.retryPass(ctx, unclaimed)

	now := time.Now()
	for key, rav := range unclaimed {
		if s.hasPendingRetry(key) {
			// The retry pass owns this sub-channel until it succeeds or is
			// dropped.
			continue
		}
		proceed, full := s.shouldClaim(ctx, key, rav, now)
		if full {
			break
		}
		if !proceed {
			continue
		}
		s.submitAsync(ctx, key, rav)
	}
}

// retryPass re-submits sub-channels whose retry delay has elapsed, dropping
// retries whose stored receipt has moved past the nonce that failed.
func (s *ClaimScheduler) retryPass(ctx context.Context, unclaimed map[string]*types.SignedSubRAV) {
	now := time.Now()

	s.mu.Lock()
	due := make(map[string]*retryState)
	for key, rs := range s.retries {
		if !rs.nextRetryAt.After(now) {
			due[key] = rs
		}
	}
	s.mu.Unlock()

	for key, rs := range due {
		rav, ok := unclaimed[key]
		if !ok || !rav.SubRAV.Nonce.Equal(rs.nonce) {
			// Stale: the receipt that failed is no longer the latest
			// unclaimed one. Abandon the retry; the fresh receipt goes
			// through the normal policy path.
			s.mu.Lock()
			delete(s.retries, key)
			s.mu.Unlock()
			s.logger.Printf("subrav: abandoning stale claim retry for %s", key)
			continue
		}
		s.submitAsync(ctx, key, rav)
	}
}

func (s *ClaimScheduler) hasPendingRetry(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.retries[key]
	return ok
}

// shouldClaim applies the claim policy. full=true means the concurrency
// budget is exhausted and the scan should stop.
func (s *ClaimScheduler) shouldClaim(ctx context.Context, key string, rav *types.SignedSubRAV, now time.Time) (proceed, full bool) {
	s.mu.Lock()
	if _, inFlight := s.active[key]; inFlight {
		s.mu.Unlock()
		return false, false
	}
	if len(s.active) >= s.policy.MaxConcurrentClaims {
		s.mu.Unlock()
		return false, true
	}
	last := s.lastClaim[key]
	s.mu.Unlock()

	delta := s.unclaimedDelta(ctx, rav)
	if s.policy.MinClaimAmount != nil && delta.Cmp(s.policy.MinClaimAmount) < 0 {
		return false, false
	}
	if !last.IsZero() && now.Sub(last) < s.policy.MaxInterval {
		return false, false
	}
	return true, false
}

// unclaimedDelta is the portion of the receipt's accumulated amount not yet
// settled on-chain.
func (s *ClaimScheduler) unclaimedDelta(ctx context.Context, rav *types.SignedSubRAV) *types.BigInt {
	claimed, err := s.ravs.GetLatestClaimed(ctx, rav.SubRAV.ChannelID, rav.SubRAV.VMIDFragment)
	if err != nil || claimed == nil {
		return rav.SubRAV.AccumulatedAmount.Clone()
	}
	return rav.SubRAV.AccumulatedAmount.Sub(claimed.SubRAV.AccumulatedAmount)
}

// submitAsync marks the sub-channel in flight and submits the claim on its
// own goroutine. The active set is the only defense against duplicate
// concurrent claims for one sub-channel.
func (s *ClaimScheduler) submitAsync(ctx context.Context, key string, rav *types.SignedSubRAV) {
	s.mu.Lock()
	if _, inFlight := s.active[key]; inFlight {
		s.mu.Unlock()
		return
	}
	if len(s.active) >= s.policy.MaxConcurrentClaims {
		s.mu.Unlock()
		return
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()

	s.claims.Add(1)
	go func() {
		defer s.claims.Done()
		_ = s.submit(ctx, key, rav)
	}()
}

// submit performs one claim attempt and records the outcome.
func (s *ClaimScheduler) submit(ctx context.Context, key string, rav *types.SignedSubRAV) error {
	defer func() {
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()
	}()

	result, err := s.payee.ClaimFromChannel(ctx, rav, true)
	if err != nil {
		s.recordFailure(key, rav, err)
		return err
	}

	if err := s.ravs.MarkClaimed(ctx, rav.SubRAV.ChannelID, rav.SubRAV.VMIDFragment, rav.SubRAV.Nonce); err != nil {
		s.logger.Printf("subrav: claim %s succeeded but marking nonce %s claimed failed: %v",
			result.TxHash, rav.SubRAV.Nonce, err)
	}

	s.mu.Lock()
	s.lastClaim[key] = time.Now()
	delete(s.retries, key)
	s.mu.Unlock()

	s.logger.Printf("subrav: claimed %s nonce %s amount %s tx %s",
		key, rav.SubRAV.Nonce, rav.SubRAV.AccumulatedAmount, result.TxHash)
	return nil
}

func (s *ClaimScheduler) recordFailure(key string, rav *types.SignedSubRAV, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.retries[key]
	if rs == nil {
		rs = &retryState{nonce: rav.SubRAV.Nonce.Clone()}
		s.retries[key] = rs
	}
	rs.attempts++
	if rs.attempts > s.policy.MaxRetries {
		delete(s.retries, key)
		s.logger.Printf("subrav: claim for %s nonce %s failed permanently after %d attempts: %v",
			key, rav.SubRAV.Nonce, rs.attempts, err)
		return
	}
	rs.nextRetryAt = time.Now().Add(s.policy.RetryDelay)
	s.logger.Printf("subrav: claim for %s nonce %s failed (attempt %d/%d), retrying at %s: %v",
		key, rav.SubRAV.Nonce, rs.attempts, s.policy.MaxRetries, rs.nextRetryAt.Format(time.RFC3339), err)
}

// TriggerClaim forces claims for a channel (or one sub-channel when
// vmIDFragment is non-empty), bypassing the policy thresholds but not the
// in-flight dedup or the concurrency limit. Claims run synchronously; the
// first submission error is returned.
func (s *ClaimScheduler) TriggerClaim(ctx context.Context, channelID, vmIDFragment string) error {
	unclaimed, err := s.ravs.GetUnclaimedRAVs(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate unclaimed receipts: %w", err)
	}

	var firstErr error
	matched := false
	for key, rav := range unclaimed {
		if rav.SubRAV.ChannelID != channelID {
			continue
		}
		if vmIDFragment != "" && rav.SubRAV.VMIDFragment != vmIDFragment {
			continue
		}
		matched = true

		s.mu.Lock()
		if _, inFlight := s.active[key]; inFlight {
			s.mu.Unlock()
			continue
		}
		if len(s.active) >= s.policy.MaxConcurrentClaims {
			s.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("concurrent claim limit reached")
			}
			continue
		}
		s.active[key] = struct{}{}
		s.mu.Unlock()

		if err := s.submit(ctx, key, rav); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("forced claim for %s failed: %w", key, err)
		}
	}

	if !matched {
		target := channelID
		if vmIDFragment != "" {
			target = strings.Join([]string{channelID, vmIDFragment}, ":")
		}
		return fmt.Errorf("no unclaimed receipts for %s", target)
	}
	return firstErr
}
