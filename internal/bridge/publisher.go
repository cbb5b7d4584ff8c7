package bridge

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// framePublisher throttles frame summaries. Offer never blocks: it
// overwrites the pending summary, so whatever is newest when the limiter
// allows a send is what goes out.
type framePublisher struct {
	limiter *rate.Limiter
	publish func(FrameSummary)
	notify  chan struct{}

	mu      sync.Mutex
	latest  FrameSummary
	pending bool

	offered    atomic.Uint64
	published  atomic.Uint64
	superseded atomic.Uint64
}

// newFramePublisher limits publish to perSecond calls with the given
// burst. A non-positive rate means unlimited.
func newFramePublisher(perSecond float64, burst int, publish func(FrameSummary)) *framePublisher {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 || math.IsInf(perSecond, 1) {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &framePublisher{
		limiter: rate.NewLimiter(limit, burst),
		publish: publish,
		notify:  make(chan struct{}, 1),
	}
}

// Offer records frame as the next summary to send.
func (p *framePublisher) Offer(device string, frame *tracking.TrackingEvent) {
	p.offered.Add(1)

	p.mu.Lock()
	if p.pending {
		p.superseded.Add(1)
	}
	p.latest.set(device, frame)
	p.pending = true
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run sends pending summaries until ctx is cancelled.
func (p *framePublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		summary, ok := p.take()
		if !ok {
			continue
		}
		p.publish(summary)
		p.published.Add(1)
	}
}

func (p *framePublisher) take() (FrameSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return FrameSummary{}, false
	}
	p.pending = false
	return p.latest.clone(), true
}
