package attendsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrBackendUnhealthy is returned when the health gate gives up.
var ErrBackendUnhealthy = errors.New("backend health check failed")

// Waker nudges a backend that may have been put to sleep by its host.
type Waker interface {
	Wake(ctx context.Context) error
}

// HealthPolicy controls the startup health gate.
type HealthPolicy struct {
	// Attempts is the total number of health checks, at least one.
	Attempts int
	// RetryDelay separates consecutive attempts.
	RetryDelay time.Duration
	// Waker runs before each retry when set; nil skips the wake step.
	Waker Waker
}

// GenericHealthPolicy checks once and gives up.
func GenericHealthPolicy() HealthPolicy {
	return HealthPolicy{Attempts: 1}
}

// HostedHealthPolicy retries with a wake probe for hosts that suspend idle apps.
func HostedHealthPolicy(waker Waker) HealthPolicy {
	return HealthPolicy{Attempts: 3, RetryDelay: 10 * time.Second, Waker: waker}
}

// CheckHealth runs the health gate. It returns ErrBackendUnhealthy once every
// attempt failed, or the context error when cancelled while waiting.
func (o *Orchestrator) CheckHealth(ctx context.Context) error {
	policy := o.cfg.Health
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	attempt := 0
	check := func() error {
		attempt++
		return o.checkOnce(ctx, attempt, attempts)
	}
	notify := func(err error, next time.Duration) {
		if policy.Waker != nil {
			o.wake(ctx, policy.Waker)
		}
		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", next).
			Msg("health check failed, retrying")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.RetryDelay), uint64(attempts-1)),
		ctx,
	)
	var timer backoff.Timer
	if o.newTimer != nil {
		timer = o.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(check, b, notify, timer); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Error().Err(err).Int("attempts", attempts).Msg("health check failed after retries")
		return ErrBackendUnhealthy
	}
	return nil
}

func (o *Orchestrator) checkOnce(ctx context.Context, attempt, attempts int) error {
	status, err := o.backend.DatabaseStatus(ctx)
	if err != nil {
		event := log.Error()
		if IsTimeout(err) {
			event = log.Warn().Bool("timeout", true)
		}
		event.Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("health check request failed")
		if IsTimeout(err) {
			log.Warn().Msg("backend timed out, it may be dormant or under load")
		}
		return err
	}
	if status != StatusConnected {
		log.Warn().
			Str("status", status).
			Int("attempt", attempt).
			Msg("backend database is not connected")
		return errors.Errorf("database status %q", status)
	}
	log.Info().Msg("backend and database are healthy")
	return nil
}

func (o *Orchestrator) wake(ctx context.Context, waker Waker) {
	log.Info().Msg("attempting to wake backend")
	if err := waker.Wake(ctx); err != nil {
		log.Warn().Err(err).Bool("timeout", IsTimeout(err)).Msg("wake backend failed")
		return
	}
	log.Info().Msg("backend is awake and responding")
}
