package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tesence/discord-bot/twitchapi"
)

// fakeHub records hub calls and plays the handshake into a pending registry.
type fakeHub struct {
	mu       sync.Mutex
	leases   []twitchapi.Subscription
	listErr  error
	postErr  map[string]error // by topic
	silent   map[string]bool  // topics never confirmed
	requests []twitchapi.HubRequest
	pending  *Pending
	// listGate, when set, holds every listing until it is closed.
	listGate chan struct{}
	lists    int
	// recordLeases adds a lease for every confirmed subscribe.
	recordLeases bool
}

func newFakeHub(p *Pending) *fakeHub {
	return &fakeHub{pending: p, postErr: map[string]error{}, silent: map[string]bool{}}
}

func (h *fakeHub) ListSubscriptions(context.Context) ([]twitchapi.Subscription, error) {
	h.mu.Lock()
	h.lists++
	gate := h.listGate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]twitchapi.Subscription(nil), h.leases...), nil
}

func (h *fakeHub) PostHub(_ context.Context, req twitchapi.HubRequest) error {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	err := h.postErr[req.Topic]
	silent := h.silent[req.Topic]
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if !silent {
		go func() {
			time.Sleep(5 * time.Millisecond)
			if req.Mode == twitchapi.ModeSubscribe {
				h.mu.Lock()
				if h.recordLeases {
					h.leases = append(h.leases, twitchapi.Subscription{
						Topic:     req.Topic,
						Callback:  req.Callback,
						ExpiresAt: farFuture,
					})
				}
				h.mu.Unlock()
			}
			h.pending.Resolve(req.Mode, req.Topic)
		}()
	}
	return nil
}

func (h *fakeHub) calls() []twitchapi.HubRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]twitchapi.HubRequest(nil), h.requests...)
}

var errBoom = errors.New("boom")

// farFuture is the expiry of recorded leases; they never need renewal.
var farFuture = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

func (h *fakeHub) listCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lists
}
