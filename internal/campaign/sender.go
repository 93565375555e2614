package campaign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"messaging-platform/internal/pacing"
	"messaging-platform/internal/provider"
	"messaging-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RunnerGuard ensures a campaign's send loop runs on at most one worker at a
// time across the fleet.
type RunnerGuard interface {
	Acquire(ctx context.Context, campaignID string) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

// RedisRunnerGuard implements RunnerGuard as a concurrency cap of one.
type RedisRunnerGuard struct {
	rdb *redis.Client
	// TTL bounds how long a crashed worker can block the campaign.
	TTL time.Duration
}

func NewRedisRunnerGuard(rdb *redis.Client) *RedisRunnerGuard {
	return &RedisRunnerGuard{rdb: rdb, TTL: 10 * time.Minute}
}

func (g *RedisRunnerGuard) Acquire(ctx context.Context, campaignID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, "campaign:runner:"+campaignID, 1, g.TTL)
}

func (g *RedisRunnerGuard) Release(ctx context.Context, campaignID string) error {
	return utils.ReleaseConcurrencyCap(ctx, g.rdb, "campaign:runner:"+campaignID)
}

// Sender drains one campaign's job queue, pacing each send and routing it
// through the provider selector.
//
// Decision on simultaneous provider outage: in-flight jobs are requeued with
// backoff rather than dropped or held in memory, so nothing is lost when both
// transports come back.

type Sender struct {
	queue    JobQueue
	selector *provider.Selector
	detector *pacing.Detector
	guard    RunnerGuard

	opts  SenderOptions
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

type SenderOptions struct {
	// JitterPercent widens pacing delays; see pacing.Engine.
	JitterPercent int

	// PausePollInterval is how often a paused campaign re-checks its cooldown.
	PausePollInterval time.Duration

	// RequeueBackoff delays a job after a no-provider outcome.
	RequeueBackoff time.Duration

	// MaxSendAttempts before a job is failed instead of requeued.
	MaxSendAttempts int
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.PausePollInterval <= 0 {
		out.PausePollInterval = 30 * time.Second
	}
	if out.RequeueBackoff <= 0 {
		out.RequeueBackoff = 5 * time.Minute
	}
	if out.MaxSendAttempts <= 0 {
		out.MaxSendAttempts = 5
	}
	return out
}

func NewSender(queue JobQueue, selector *provider.Selector, detector *pacing.Detector, guard RunnerGuard, opts SenderOptions, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		queue:    queue,
		selector: selector,
		detector: detector,
		guard:    guard,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		sleep:    sleepCtx,
		log:      log,
	}
}

// Run drains the campaign queue until empty or ctx is cancelled.
// sessionID identifies the automated session whose conflict state gates the
// loop. Returns the number of jobs sent.
func (s *Sender) Run(ctx context.Context, campaignID, workspaceID, sessionID string, tierLevel int) (int, error) {
	ok, err := s.guard.Acquire(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Another worker is already draining this campaign.
		return 0, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.guard.Release(releaseCtx, campaignID)
	}()

	tier := pacing.TierFor(tierLevel)
	engine := pacing.NewEngine(tier, s.opts.JitterPercent, nil)
	sent := 0

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		resumed, err := s.detector.TryResume(ctx, workspaceID, sessionID)
		if err != nil {
			return sent, err
		}
		if !resumed {
			if err := s.sleep(ctx, s.opts.PausePollInterval); err != nil {
				return sent, err
			}
			continue
		}

		job, err := s.queue.NextPending(ctx, campaignID, s.clock().UTC())
		if errors.Is(err, ErrNoJob) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		if err := s.sleep(ctx, engine.NextDelay()); err != nil {
			return sent, err
		}

		// Re-check after the delay: a conflict may have arrived while waiting.
		if paused, err := s.detector.Paused(ctx, workspaceID, sessionID); err != nil {
			return sent, err
		} else if paused {
			continue
		}

		res, err := s.selector.SendMessage(ctx, provider.SendRequest{
			WorkspaceID:    workspaceID,
			To:             job.Contact,
			Body:           job.Body,
			SimulateTyping: tier.SimulateTyping,
		})
		switch {
		case err == nil:
			if err := s.queue.MarkSent(ctx, job.ID, res.Provider); err != nil {
				return sent, err
			}
			sent++
		case errors.Is(err, provider.ErrNoProviderAvailable):
			if job.Attempts+1 >= s.opts.MaxSendAttempts {
				if err := s.queue.MarkFailed(ctx, job.ID, "no provider available after retries"); err != nil {
					return sent, err
				}
				s.log.Warn("job failed after retries", "campaign_id", campaignID, "job_id", job.ID)
				continue
			}
			notBefore := s.clock().UTC().Add(s.opts.RequeueBackoff)
			if err := s.queue.Requeue(ctx, job.ID, notBefore, err.Error()); err != nil {
				return sent, err
			}
			s.log.Warn("no provider available, job requeued",
				"campaign_id", campaignID, "job_id", job.ID, "not_before", notBefore)
		default:
			if err := s.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
				return sent, err
			}
			s.log.Warn("send failed", "campaign_id", campaignID, "job_id", job.ID, "err", err)
		}
	}
}

// RunDue drains every campaign that has a pending job whose not_before has
// passed. The scheduler calls this periodically, so jobs requeued with a
// backoff are retried once the backoff elapses. Returns the total sent.
func (s *Sender) RunDue(ctx context.Context) (int, error) {
	refs, err := s.queue.DueCampaigns(ctx, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ref := range refs {
		sent, err := s.Run(ctx, ref.CampaignID, ref.WorkspaceID, ref.SessionID, ref.SpeedTier)
		total += sent
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// OnMobileActivity feeds a conflict event into the pacing state for the
// session's campaigns.
func (s *Sender) OnMobileActivity(ctx context.Context, workspaceID, sessionID string, tierLevel int) error {
	return s.detector.OnConflict(ctx, workspaceID, sessionID, pacing.TierFor(tierLevel))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
