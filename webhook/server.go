// Package webhook receives hub handshakes and signed stream-changed
// deliveries and hands validated events to the presence engine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tesence/discord-bot/crypto"
	"github.com/tesence/discord-bot/presence"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/telemetry"
	"github.com/tesence/discord-bot/twitchapi"
)

const defaultMaxBody = 1 << 20

// Sink consumes validated events. *presence.Engine satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev presence.Event)
}

// SignatureError reports a delivery whose signature did not verify.
type SignatureError struct {
	Topic      string
	IdentityID string
	Err        error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature check failed for %s/%s: %v", e.Topic, e.IdentityID, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// Server handles /{topic}/{identityID} callbacks.
type Server struct {
	Signer  crypto.Signer
	Dedup   Deduper
	Pending *subscription.Pending
	Sink    Sink
	// TopicBase is the Helix root used to rebuild topic URIs when the hub
	// omits hub.topic.
	TopicBase string
	MaxBody   int64

	now func() time.Time
}

// Handler returns the routed handler wrapped with correlation and tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{topic}/{id}", s.handleHandshake)
	mux.HandleFunc("POST /{topic}/{id}", s.handleDelivery)
	return telemetry.Middleware("webhook", mux)
}

func (s *Server) topic(w http.ResponseWriter, r *http.Request) (subscription.Topic, string, bool) {
	t, ok := subscription.Topics[r.PathValue("topic")]
	if !ok {
		http.NotFound(w, r)
		return subscription.Topic{}, "", false
	}
	return t, r.PathValue("id"), true
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	t, id, ok := s.topic(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	logger := telemetry.LoggerWithCorr(r.Context()).With(
		slog.String("component", "webhook"),
		slog.String("topic", t.Name),
		slog.String("identity_id", id),
		slog.String("mode", mode))

	if mode == twitchapi.ModeDenied {
		logger.Warn("subscription denied by hub", slog.String("reason", q.Get("hub.reason")))
		telemetry.ObserveHandshake(mode, false)
		w.WriteHeader(http.StatusOK)
		return
	}
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		logger.Warn("handshake without challenge")
		http.Error(w, "missing hub.challenge", http.StatusBadRequest)
		return
	}

	topicURI := q.Get("hub.topic")
	if topicURI == "" {
		topicURI = t.URI(s.TopicBase, id)
	}
	matched := s.Pending != nil && s.Pending.Resolve(mode, topicURI)
	telemetry.ObserveHandshake(mode, matched)
	if matched {
		logger.Debug("handshake confirmed pending action")
	} else {
		logger.Info("handshake without pending action, likely externally managed")
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusAccepted)
	if _, err := io.WriteString(w, challenge); err != nil {
		logger.Warn("failed to write challenge", slog.Any("err", err))
	}
}

type streamPayload struct {
	Data *[]twitchapi.Stream `json:"data"`
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	t, id, ok := s.topic(w, r)
	if !ok {
		return
	}
	ctx, span := telemetry.StartSpan(r.Context(), "webhook", "delivery", telemetry.IdentityAttr(id))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "webhook"),
		slog.String("topic", t.Name),
		slog.String("identity_id", id))

	limit := s.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		logger.Warn("failed to read delivery body", slog.Any("err", err))
		telemetry.ObserveDelivery("invalid")
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature")
	}
	if err := s.Signer.Verify(sig, body); err != nil {
		serr := &SignatureError{Topic: t.Name, IdentityID: id, Err: err}
		logger.Warn("rejected delivery", slog.String("remote_addr", r.RemoteAddr), slog.Any("err", serr))
		telemetry.ObserveDelivery("rejected")
		telemetry.RecordError(span, serr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	deliveryID := r.Header.Get("Twitch-Notification-Id")
	if deliveryID == "" {
		deliveryID = r.Header.Get("X-Delivery-Id")
	}
	logger = logger.With(slog.String("delivery_id", deliveryID))

	if deliveryID != "" {
		seen, err := s.Dedup.Contains(ctx, deliveryID)
		if err != nil {
			logger.Warn("dedup lookup failed, processing anyway", slog.Any("err", err))
		}
		if seen {
			logger.Debug("duplicate delivery")
			telemetry.ObserveDelivery("duplicate")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	var payload streamPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data == nil {
		if err == nil {
			err = errors.New("missing data field")
		}
		logger.Warn("malformed delivery", slog.Any("err", err))
		telemetry.ObserveDelivery("invalid")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if deliveryID != "" {
		added, err := s.Dedup.Add(ctx, deliveryID)
		if err != nil {
			logger.Warn("failed to record delivery id", slog.Any("err", err))
		} else if !added {
			telemetry.ObserveDelivery("duplicate")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	ev := presence.Event{IdentityID: id, DeliveryID: deliveryID, ReceivedAt: s.clock()}
	if data := *payload.Data; len(data) > 0 {
		st := data[0]
		ev.Stream = &st
	}
	logger.Info("delivery accepted", slog.Bool("online", ev.Online()))
	telemetry.ObserveDelivery("accepted")
	s.Sink.Submit(context.WithoutCancel(ctx), ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Start serves handler on addr until ctx is cancelled.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, handler, ln)
}

// Serve serves handler on ln until ctx is cancelled. Callers that must know
// the callback endpoint is reachable before subscribing listen first.
func Serve(ctx context.Context, handler http.Handler, ln net.Listener) error {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("webhook server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "webhook"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("webhook server error", slog.Any("err", err))
		return err
	}
	return nil
}
