package surface

import "time"

// ReinitConfig bounds how a target recovers from a lost context.
type ReinitConfig struct {
	MaxAttempts  int           // attempts before the target stays degraded (default: 5)
	InitialDelay time.Duration // delay after the first failed attempt (default: 100ms)
	MaxDelay     time.Duration // backoff cap (default: 2s)
}

// DefaultReinitConfig returns the default recovery policy.
func DefaultReinitConfig() ReinitConfig {
	return ReinitConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

func (c ReinitConfig) withDefaults() ReinitConfig {
	d := DefaultReinitConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// reinitState tracks recovery of one target.
//
// The first attempt happens on the next render iteration after the loss.
// Each failure doubles the wait: InitialDelay, 2×, 4×, ... capped at MaxDelay.
type reinitState struct {
	scheduled bool
	attempts  int
	next      time.Time
	gaveUp    bool
}

func (s *reinitState) schedule(now time.Time) {
	if s.scheduled {
		return
	}
	s.scheduled = true
	s.attempts = 0
	s.next = now
	s.gaveUp = false
}

func (s *reinitState) reset() {
	*s = reinitState{}
}

func (s *reinitState) due(now time.Time) bool {
	return s.scheduled && !s.gaveUp && !now.Before(s.next)
}

// failed records a failed attempt and reports whether the target gave up.
func (s *reinitState) failed(now time.Time, cfg ReinitConfig) bool {
	if s.attempts >= cfg.MaxAttempts {
		s.gaveUp = true
		return true
	}
	s.next = now.Add(backoff(s.attempts, cfg))
	return false
}

// backoff returns InitialDelay * 2^(attempt-1), capped at MaxDelay.
func backoff(attempt int, cfg ReinitConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxDelay
	}
	delay := cfg.InitialDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	return delay
}
