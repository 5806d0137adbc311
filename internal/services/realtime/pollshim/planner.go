package pollshim

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Interval time.Duration // default: 10 seconds
	Jitter   time.Duration // default: none

	Backoff1 time.Duration // default: 10 seconds
	Backoff2 time.Duration // default: 20 seconds
	Backoff3 time.Duration // default: 40 seconds
	Backoff4 time.Duration // default: 60 seconds
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Interval: 10 * time.Second,

		Backoff1: 10 * time.Second,
		Backoff2: 20 * time.Second,
		Backoff3: 40 * time.Second,
		Backoff4: 60 * time.Second,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// NextDelay is the wait before the next cycle given the number of
// consecutive failed cycles so far.
func (p *Planner) NextDelay(failCount int32) time.Duration {
	if failCount > 0 {
		return p.BackoffDelay(failCount)
	}
	if p.cfg.Jitter <= 0 {
		return p.cfg.Interval
	}
	ms := int(p.cfg.Jitter / time.Millisecond)
	if ms <= 0 {
		return p.cfg.Interval
	}
	return p.cfg.Interval + time.Duration(p.r.Intn(ms+1))*time.Millisecond
}

func (p *Planner) BackoffDelay(failCount int32) time.Duration {
	switch {
	case failCount <= 1:
		return p.cfg.Backoff1
	case failCount == 2:
		return p.cfg.Backoff2
	case failCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
