package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

const (
	defaultTolerance    = 5 * time.Minute
	defaultMaxBodyBytes = 256 * 1024
	defaultTimeout      = 5 * time.Second
)

// Dispatcher consumes validated events. Implemented by tiersync.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *tiersync.Event) error
}

// Config holds ingestor configuration.
type Config struct {
	// Secret is the shared HMAC signing secret (required).
	Secret string

	// Dispatcher receives validated, deduplicated events (required).
	Dispatcher Dispatcher

	// Idempotency suppresses redelivered event IDs (required).
	Idempotency tiersync.IdempotencyStore

	// Tolerance is the replay window for signature timestamps (default: 5m).
	Tolerance time.Duration

	// MaxBodyBytes caps the accepted payload size (default: 256KB).
	MaxBodyBytes int64

	// Timeout bounds processing of one delivery so the response lands inside
	// the provider's delivery deadline (default: 5s).
	Timeout time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger tiersync.Logger

	// Metrics tracks deliveries and latency (default: NoopMetrics).
	Metrics tiersync.Metrics

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Ingestor is the HTTP handler for POST /webhooks/payment-events.
//
// Response policy: 200 for any structurally valid, signature-verified event,
// including ones whose business processing failed (those are recorded with
// outcome=error and surfaced through the dispatcher's failure channel).
// Returning non-2xx for a condition retrying cannot fix would have the
// provider redeliver forever. Only signature/parse failures return 400; store
// outages return 503 so the provider does redeliver.
type Ingestor struct {
	config Config
	secret []byte
}

// NewIngestor validates the configuration and returns an ingestor.
func NewIngestor(config Config) (*Ingestor, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Idempotency == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if config.Tolerance == 0 {
		config.Tolerance = defaultTolerance
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = &tiersync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &tiersync.NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ingestor{config: config, secret: []byte(config.Secret)}, nil
}

// Handler returns the ingestor as an http.Handler.
func (i *Ingestor) Handler() http.Handler {
	return i
}

func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The signature covers the exact byte sequence, so the body is read raw
	// before any parsing.
	body, err := readBody(w, r, i.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		i.config.Metrics.RecordWebhookEvent("unknown", "rejected")
		return
	}

	now := i.config.Now().UTC()
	if err := VerifySignature(i.secret, body, r.Header.Get(SignatureHeader), i.config.Tolerance, now); err != nil {
		i.config.Logger.Warn("webhook signature rejected",
			tiersync.Field{Key: "remote", Value: r.RemoteAddr},
			tiersync.Field{Key: "error", Value: err.Error()})
		i.config.Metrics.RecordWebhookEvent("unknown", "rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev, err := tiersync.ParseEvent(body)
	if err != nil {
		i.config.Logger.Warn("webhook payload rejected",
			tiersync.Field{Key: "error", Value: err.Error()})
		i.config.Metrics.RecordWebhookEvent("unknown", "rejected")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	eventType := string(ev.Type)

	ctx, cancel := context.WithTimeout(r.Context(), i.config.Timeout)
	defer cancel()

	existing, err := i.config.Idempotency.GetProcessedEvent(ctx, ev.ID)
	if err != nil {
		i.retryable(w, ev, "idempotency check failed", err)
		return
	}
	if existing != nil {
		// At-least-once redelivery. Acknowledge without reprocessing so the
		// provider stops retrying.
		i.config.Metrics.RecordWebhookEvent(eventType, "duplicate")
		i.ack(w)
		i.config.Metrics.RecordWebhookDuration(eventType, time.Since(started))
		return
	}

	dispatchErr := i.config.Dispatcher.Dispatch(ctx, ev)
	switch {
	case dispatchErr == nil:
		i.record(ctx, ev, tiersync.OutcomeSuccess, "")
		i.config.Metrics.RecordWebhookEvent(eventType, "success")

	case errors.Is(dispatchErr, tiersync.ErrStoreUnavailable),
		errors.Is(dispatchErr, context.DeadlineExceeded):
		// Nothing durable happened; ask the provider to redeliver.
		i.retryable(w, ev, "event processing deferred", dispatchErr)
		return

	default:
		// Business failure: acknowledged so the provider stops retrying a
		// condition a retry cannot fix, recorded for out-of-band remediation.
		i.record(ctx, ev, tiersync.OutcomeError, dispatchErr.Error())
		i.config.Metrics.RecordWebhookEvent(eventType, "error")
	}

	i.ack(w)
	i.config.Metrics.RecordWebhookDuration(eventType, time.Since(started))
}

func (i *Ingestor) record(ctx context.Context, ev *tiersync.Event, outcome tiersync.Outcome, reason string) {
	rec := &tiersync.ProcessedEventRecord{
		EventID:     ev.ID,
		ProcessedAt: i.config.Now().UTC(),
		Outcome:     outcome,
		Reason:      reason,
	}
	err := i.config.Idempotency.RecordProcessedEvent(ctx, rec)
	if err != nil && !errors.Is(err, tiersync.ErrDuplicateEvent) {
		// The dispatch already went through its own stale/CAS guards, so a
		// redelivery after this miss is safe. Log and move on.
		i.config.Logger.Warn("failed to record processed event",
			tiersync.Field{Key: "event_id", Value: ev.ID},
			tiersync.Field{Key: "error", Value: err.Error()})
	}
}

func (i *Ingestor) retryable(w http.ResponseWriter, ev *tiersync.Event, msg string, err error) {
	i.config.Logger.Warn(msg,
		tiersync.Field{Key: "event_id", Value: ev.ID},
		tiersync.Field{Key: "error", Value: err.Error()})
	i.config.Metrics.RecordWebhookEvent(string(ev.Type), "retryable")
	http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
}

func (i *Ingestor) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Response already committed.
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

var errPayloadTooLarge = errors.New("payload too large")

// readBody reads the size-limited request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
