package presence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tesence/discord-bot/telemetry"
)

// Sweep deletes every stale offline notification and returns how many were
// removed. Messages already deleted upstream count as removed; other delete
// failures keep the reference for the next pass.
func (e *Engine) Sweep(ctx context.Context) int {
	ctx, span := telemetry.StartSpan(ctx, "presence", "sweep")
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "sweeper"))

	removed := e.sweepRetired(ctx, logger)
	for _, snap := range e.allSnapshots() {
		if ctx.Err() != nil {
			break
		}
		removed += e.sweepSnapshot(ctx, logger, snap)
	}
	e.updateGauge()
	if removed > 0 {
		logger.Info("stale notifications removed", slog.Int("count", removed))
	}
	return removed
}

func (e *Engine) sweepSnapshot(ctx context.Context, logger *slog.Logger, snap *Snapshot) int {
	snap.mu.Lock()
	defer snap.mu.Unlock()

	removed := 0
	now := e.now()
	for channelID, refs := range snap.Notifications {
		var stale []string
		for _, ref := range refs {
			if Classify(ref, now, e.policy) != StateOfflineStale {
				continue
			}
			if e.deleteRef(ctx, logger, snap.IdentityID, ref) {
				stale = append(stale, ref.MessageID)
			}
		}
		for _, id := range stale {
			snap.removeRef(channelID, id)
		}
		removed += len(stale)
	}
	return removed
}

// deleteRef deletes one notification. A message already gone upstream counts
// as deleted; any other failure returns false.
func (e *Engine) deleteRef(ctx context.Context, logger *slog.Logger, identityID string, ref NotificationRef) bool {
	err := e.chat.DeleteMessage(ctx, ref)
	if err != nil && !errors.Is(err, ErrMessageGone) {
		logger.Warn("failed to delete notification",
			slog.String("identity_id", identityID),
			slog.String("channel_id", ref.ChannelID),
			slog.String("message_id", ref.MessageID),
			slog.Any("err", err))
		telemetry.ObserveNotification("failed")
		return false
	}
	telemetry.ObserveNotification("deleted")
	return true
}

func (e *Engine) sweepRetired(ctx context.Context, logger *slog.Logger) int {
	e.mu.Lock()
	pending := e.retired
	e.retired = nil
	e.mu.Unlock()

	var failed []NotificationRef
	for _, ref := range pending {
		if !e.deleteRef(ctx, logger, "", ref) {
			failed = append(failed, ref)
		}
	}
	if len(failed) > 0 {
		e.mu.Lock()
		e.retired = append(e.retired, failed...)
		e.mu.Unlock()
	}
	return len(pending) - len(failed)
}

// Forget drops the state of identities that are no longer tracked and
// deletes their notifications, online or not. Failed deletions are retried
// by Sweep.
func (e *Engine) Forget(ctx context.Context, ids ...string) {
	e.mu.Lock()
	var dropped []*Snapshot
	for _, id := range ids {
		if snap, ok := e.snapshots[id]; ok {
			dropped = append(dropped, snap)
			delete(e.snapshots, id)
		}
	}
	e.mu.Unlock()
	if len(dropped) == 0 {
		return
	}

	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "sweeper"))
	var failed []NotificationRef
	for _, snap := range dropped {
		snap.mu.Lock()
		for _, refs := range snap.Notifications {
			for _, ref := range refs {
				if !e.deleteRef(ctx, logger, snap.IdentityID, ref) {
					failed = append(failed, ref)
				}
			}
		}
		snap.Notifications = map[string][]NotificationRef{}
		snap.mu.Unlock()
	}
	if len(failed) > 0 {
		e.mu.Lock()
		e.retired = append(e.retired, failed...)
		e.mu.Unlock()
	}
	e.updateGauge()
}
