// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package quality implements the QualityController: it selects a
// per-meeting tier from worst-receiver RTCP statistics and drives
// MediaRouter.SetConsumerPreferredLayer for every consumer.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/time/rate"

	"github.com/confdio/confd/mediarouter"
	"github.com/confdio/confd/registry"
	"github.com/confdio/confd/rtcpstats"
)

// DecisionInterval is how often the decision rule is evaluated per
// meeting.
const DecisionInterval = 2 * time.Second

// AntiFlapInterval is the minimum wall-clock interval between tier
// changes in the same meeting.
const AntiFlapInterval = 10 * time.Second

// Thresholds, per the fixed decision rule. Open intervals on ">".
const (
	lowLossPct, lowJitterMS, lowRTTMS = 0.05, 30.0, 250.0
	medLossPct, medJitterMS, medRTTMS = 0.02, 20.0, 150.0
)

// Decide applies the fixed decision rule to w, independent of rate
// limiting.
func Decide(w rtcpstats.Worst) registry.Tier {
	if w.LossPct > lowLossPct || w.JitterMS > lowJitterMS || w.RTTMS > lowRTTMS {
		return registry.TierLow
	}
	if w.LossPct > medLossPct || w.JitterMS > medJitterMS || w.RTTMS > medRTTMS {
		return registry.TierMed
	}
	return registry.TierHigh
}

// layerFor maps a tier to the simulcast spatial layer the MediaRouter
// understands.
func layerFor(tier registry.Tier) mediarouter.Layer {
	switch tier {
	case registry.TierLow:
		return mediarouter.LayerLow
	case registry.TierMed:
		return mediarouter.LayerMed
	default:
		return mediarouter.LayerHigh
	}
}

// ConsumerLookup returns every active consumer id in a meeting, used to
// apply a layer change across the whole meeting on tier change.
type ConsumerLookup func(meetingID string) []string

// Notifier is invoked once per applied tier change.
type Notifier func(meetingID string, tier registry.Tier, at time.Time)

// Controller is the QualityController.
type Controller struct {
	reg         *registry.Registry
	collector   *rtcpstats.Collector
	router      mediarouter.Router
	consumers   ConsumerLookup
	notify      Notifier
	log         mlog.LoggerIFace
	onError     func(meetingID, op string, err error)
	callTimeout time.Duration

	nowFunc func() time.Time

	mut      sync.Mutex
	limiters map[string]*rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Controller wired to reg, collector and router.
// consumers supplies the live consumer ids for a meeting; notify is
// called once per applied change (to broadcast tier-change); onError
// receives per-consumer SetConsumerPreferredLayer failures, which are
// logged and ignored per the controller's failure semantics.
func New(reg *registry.Registry, collector *rtcpstats.Collector, router mediarouter.Router, consumers ConsumerLookup, notify Notifier, log mlog.LoggerIFace, onError func(meetingID, op string, err error)) *Controller {
	return &Controller{
		reg:         reg,
		collector:   collector,
		router:      router,
		consumers:   consumers,
		notify:      notify,
		log:         log,
		onError:     onError,
		callTimeout: 5 * time.Second,
		nowFunc:     time.Now,
		limiters:    make(map[string]*rate.Limiter),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Evaluate runs one decision cycle for meetingID: computes the worst
// case, decides a target tier, and applies it if the anti-flap interval
// has elapsed and the target differs from the current tier. Equal
// decisions never trigger a change or notification.
func (c *Controller) Evaluate(ctx context.Context, meetingID string) {
	current, err := c.reg.GetTier(meetingID)
	if err != nil {
		return // meeting no longer exists
	}

	worst := c.collector.Worst(meetingID)
	target := Decide(worst)

	if target == current {
		return
	}

	now := c.nowFunc()
	if !c.limiterFor(meetingID).AllowN(now, 1) {
		return
	}

	c.apply(ctx, meetingID, target, now)
}

func (c *Controller) apply(ctx context.Context, meetingID string, target registry.Tier, at time.Time) {
	if err := c.reg.SetTier(meetingID, target); err != nil {
		return
	}

	layer := layerFor(target)
	for _, consumerID := range c.consumers(meetingID) {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.router.SetConsumerPreferredLayer(callCtx, consumerID, layer)
		cancel()
		if err != nil {
			if c.onError != nil {
				c.onError(meetingID, "SetConsumerPreferredLayer", err)
			}
			if c.log != nil {
				c.log.Error("quality: failed to apply consumer layer",
					mlog.String("meetingID", meetingID),
					mlog.String("consumerID", consumerID),
					mlog.Err(err))
			}
			continue
		}
	}

	if c.notify != nil {
		c.notify(meetingID, target, at)
	}
}

// limiterFor returns the anti-flap limiter for meetingID, creating one
// that starts with a full burst (so a meeting's first tier change is
// never held back) if this is the first evaluation to touch it.
func (c *Controller) limiterFor(meetingID string) *rate.Limiter {
	c.mut.Lock()
	defer c.mut.Unlock()

	l, ok := c.limiters[meetingID]
	if !ok {
		l = rate.NewLimiter(rate.Every(AntiFlapInterval), 1)
		c.limiters[meetingID] = l
	}
	return l
}

// ForgetMeeting drops anti-flap state for a destroyed meeting.
func (c *Controller) ForgetMeeting(meetingID string) {
	c.mut.Lock()
	delete(c.limiters, meetingID)
	c.mut.Unlock()
}

// Run periodically evaluates every meeting returned by meetings until
// Stop is called.
func (c *Controller) Run(ctx context.Context, meetings func() []string) {
	defer close(c.doneCh)

	ticker := time.NewTicker(DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, meetingID := range meetings() {
				c.Evaluate(ctx, meetingID)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels Run and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
