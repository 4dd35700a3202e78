package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// dispatcher runs events on per-identity FIFO lanes. A lane goroutine exists
// only while its queue is non-empty.
type dispatcher struct {
	handle func(context.Context, Event) error

	mu    sync.Mutex
	lanes map[string][]queued
	wg    sync.WaitGroup
}

type queued struct {
	ctx context.Context
	ev  Event
}

func newDispatcher(handle func(context.Context, Event) error) *dispatcher {
	return &dispatcher{handle: handle, lanes: map[string][]queued{}}
}

func (d *dispatcher) submit(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, running := d.lanes[ev.IdentityID]
	d.lanes[ev.IdentityID] = append(q, queued{ctx: ctx, ev: ev})
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ev.IdentityID)
}

func (d *dispatcher) drain(id string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.lanes[id]
		if len(q) == 0 {
			delete(d.lanes, id)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.lanes[id] = q[1:]
		d.mu.Unlock()

		d.run(next)
	}
}

func (d *dispatcher) run(item queued) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("presence event panicked",
				slog.String("component", "presence"),
				slog.String("identity_id", item.ev.IdentityID),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := d.handle(item.ctx, item.ev); err != nil {
		slog.Error("presence event failed",
			slog.String("component", "presence"),
			slog.String("identity_id", item.ev.IdentityID),
			slog.String("delivery_id", item.ev.DeliveryID),
			slog.Any("err", err))
	}
}

func (d *dispatcher) wait() { d.wg.Wait() }
