/*
Copyright 2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type GateConfig struct {
	// Maximum number of calls admitted within any rolling Period.
	Limit int

	// Length of the rolling window.
	Period time.Duration

	// Number of slots held back from Limit to absorb clock skew and network
	// latency between us and the remote limiter. The gate starts delaying
	// callers once Limit - Headroom calls are live in the window.
	Headroom int

	Logger logrus.FieldLogger
}

// RateGate admits at most Limit - Headroom calls per rolling Period. Excess
// callers are delayed, not rejected. Safe for concurrent use.
type RateGate struct {
	conf GateConfig
	log  logrus.FieldLogger

	mu sync.Mutex
	// Admission timestamps, oldest at the front.
	stamps *list.List
}

func NewRateGate(conf GateConfig) (*RateGate, error) {
	if conf.Limit <= 0 {
		return nil, errors.Errorf("rate gate limit must be positive; got '%d'", conf.Limit)
	}
	if conf.Period <= 0 {
		return nil, errors.Errorf("rate gate period must be positive; got '%s'", conf.Period)
	}
	if conf.Headroom < 0 || conf.Headroom >= conf.Limit {
		return nil, errors.Errorf("rate gate headroom must be in [0, %d); got '%d'", conf.Limit, conf.Headroom)
	}

	g := &RateGate{
		conf:   conf,
		log:    conf.Logger,
		stamps: list.New(),
	}
	setter.SetDefault(&g.log, logrus.WithField("category", "amari"))
	return g, nil
}

// Admit blocks until a slot in the current window is free, then records the
// call. Returns an error only if ctx is done first, in which case nothing
// was recorded.
func (g *RateGate) Admit(ctx context.Context) error {
	start := clock.Now()
	for {
		wait, ok := g.tryAdmit()
		if ok {
			gateAdmitCounter.Inc()
			gateWaitMetric.Observe(clock.Now().Sub(start).Seconds())
			return nil
		}

		if wait <= 0 {
			continue
		}

		g.log.WithField("wait", wait.String()).
			Warn("Slow down, you are about to be rate limited")

		timer := clock.NewTimer(wait)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "while waiting on rate gate")
		}
	}
}

// tryAdmit records a call if the window has room, otherwise it returns how
// long until the oldest live call leaves the window.
func (g *RateGate) tryAdmit() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := clock.Now()
	g.prune(now)

	if g.stamps.Len() < g.capacity() {
		g.stamps.PushBack(now)
		return 0, true
	}

	oldest := g.stamps.Front().Value.(time.Time)
	wait := g.conf.Period - now.Sub(oldest)
	if wait < 0 {
		wait = 0
	}
	return wait, false
}

func (g *RateGate) prune(now time.Time) {
	for e := g.stamps.Front(); e != nil; e = g.stamps.Front() {
		if now.Sub(e.Value.(time.Time)) < g.conf.Period {
			return
		}
		g.stamps.Remove(e)
	}
}

func (g *RateGate) capacity() int {
	return g.conf.Limit - g.conf.Headroom
}

// Len returns the number of calls admitted within the current window.
func (g *RateGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(clock.Now())
	return g.stamps.Len()
}

func (g *RateGate) Limit() int {
	return g.conf.Limit
}

func (g *RateGate) Period() time.Duration {
	return g.conf.Period
}
