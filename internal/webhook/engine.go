package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
)

// endpointQueueSize bounds each endpoint's pending delivery queue. Webhook
// delivery is best-effort; a backlog beyond this is reported and dropped.
const endpointQueueSize = 128

// DefaultTimeout is the per-request timeout when an endpoint has none.
const DefaultTimeout = 10 * time.Second

// Endpoint is one configured webhook subscriber. Read-only at runtime; to
// change an endpoint, remove and re-add it.
type Endpoint struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	EventTypes  []event.Type  `json:"event_types"` // empty subscribes to all
	Secret      string        `json:"-"`           // HMAC secret, optional
	BearerToken string        `json:"-"`           // bearer auth, optional
	Timeout     time.Duration `json:"timeout"`
	Policy      Policy        `json:"policy"`
}

// subscribed reports whether the endpoint wants events of the given type.
func (ep *Endpoint) subscribed(t event.Type) bool {
	if len(ep.EventTypes) == 0 {
		return true
	}
	for _, et := range ep.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Attempt outcomes recorded in the delivery log.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomePermanent = "permanent_failure"
	OutcomeExhausted = "exhausted"
	OutcomeDropped   = "queue_full"
)

// AttemptRecord describes one delivery attempt for the delivery log.
type AttemptRecord struct {
	EventID    string
	EventType  event.Type
	EndpointID string
	Attempt    int
	Outcome    string
	StatusCode int
	Error      string
	At         time.Time
}

// AttemptLogger persists delivery attempts. May be nil to disable logging.
// Satisfied by the database delivery log repository.
type AttemptLogger interface {
	LogAttempt(ctx context.Context, rec AttemptRecord) error
}

// Publisher enqueues system events raised by the engine.
type Publisher interface {
	Publish(*event.Event)
}

// job is one event queued for delivery to one endpoint. The body is
// serialized once at enqueue time so every attempt sends identical bytes.
type job struct {
	ev   *event.Event
	body []byte
}

// worker is the per-endpoint delivery loop state.
type worker struct {
	endpoint Endpoint
	queue    chan job
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine delivers dispatched events to configured endpoints over HTTP.
// Each endpoint has its own serial queue and goroutine, so attempts for one
// endpoint preserve publish order while endpoints proceed independently.
type Engine struct {
	pub     Publisher
	client  *http.Client
	log     AttemptLogger
	logger  *slog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	workers map[string]*worker
	started bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

// NewEngine creates a delivery engine. client may be nil to use a default
// HTTP client; attempts is the optional delivery log.
func NewEngine(pub Publisher, client *http.Client, attempts AttemptLogger, logger *slog.Logger) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		pub:     pub,
		client:  client,
		log:     attempts,
		logger:  logger.With("subsystem", "webhook-engine"),
		workers: make(map[string]*worker),
	}
}

// Start arms the engine. Endpoint workers run under ctx; cancelling it stops
// all delivery.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCtx = ctx
	e.started = true
	for _, w := range e.workers {
		e.startWorkerLocked(w)
	}
	e.logger.Info("webhook engine started", "endpoints", len(e.workers))
}

// AddEndpoint registers an endpoint and starts its delivery worker.
// Replaces any existing endpoint with the same id.
func (e *Engine) AddEndpoint(ep Endpoint) error {
	if ep.ID == "" || ep.URL == "" {
		return fmt.Errorf("endpoint requires id and url")
	}
	if ep.Timeout <= 0 {
		ep.Timeout = DefaultTimeout
	}
	if ep.Policy.MaxAttempts < 1 {
		ep.Policy = DefaultPolicy()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.workers[ep.ID]; ok {
		e.stopWorkerLocked(old)
	}

	w := &worker{
		endpoint: ep,
		queue:    make(chan job, endpointQueueSize),
		done:     make(chan struct{}),
	}
	e.workers[ep.ID] = w
	if e.started {
		e.startWorkerLocked(w)
	}

	e.logger.Info("webhook endpoint registered",
		"endpoint_id", ep.ID,
		"url", ep.URL,
		"event_types", ep.EventTypes,
		"max_attempts", ep.Policy.MaxAttempts,
	)
	return nil
}

// RemoveEndpoint stops an endpoint's worker and drops its pending queue.
func (e *Engine) RemoveEndpoint(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[id]
	if !ok {
		return
	}
	e.stopWorkerLocked(w)
	delete(e.workers, id)
	e.logger.Info("webhook endpoint removed", "endpoint_id", id)
}

// Endpoints returns the registered endpoints.
func (e *Engine) Endpoints() []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Endpoint, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w.endpoint)
	}
	return out
}

func (e *Engine) startWorkerLocked(w *worker) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	w.cancel = cancel
	go e.run(ctx, w)
}

func (e *Engine) stopWorkerLocked(w *worker) {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Handle is the dispatcher subscriber: it fans the event into every
// matching endpoint queue without blocking.
func (e *Engine) Handle(ev *event.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to serialize event for delivery", "event_id", ev.ID, "error", err)
		return
	}

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		if w.endpoint.subscribed(ev.Type) {
			workers = append(workers, w)
		}
	}
	e.mu.Unlock()

	for _, w := range workers {
		select {
		case w.queue <- job{ev: ev, body: body}:
		default:
			e.failed.Add(1)
			e.logAttempt(AttemptRecord{
				EventID:    ev.ID,
				EventType:  ev.Type,
				EndpointID: w.endpoint.ID,
				Attempt:    0,
				Outcome:    OutcomeDropped,
				Error:      "endpoint delivery queue full",
				At:         time.Now().UTC(),
			})
			e.reportFailure(w.endpoint.ID, ev, "endpoint delivery queue full")
		}
	}
}

// run is the per-endpoint delivery loop. Jobs are processed strictly in
// order; a job's retries complete (or exhaust) before the next job starts.
func (e *Engine) run(ctx context.Context, w *worker) {
	defer close(w.done)

	logger := e.logger.With("endpoint_id", w.endpoint.ID, "url", w.endpoint.URL)

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.queue:
			e.deliver(ctx, w.endpoint, j, logger)
		}
	}
}

// deliver runs the attempt/backoff loop for one job against one endpoint.
func (e *Engine) deliver(ctx context.Context, ep Endpoint, j job, logger *slog.Logger) {
	for attempt := 1; ; attempt++ {
		if delay := NextDelay(attempt, ep.Policy); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		status, err := e.attempt(ctx, ep, j)
		now := time.Now().UTC()

		if err == nil && status >= 200 && status < 300 {
			e.delivered.Add(1)
			e.logAttempt(AttemptRecord{
				EventID: j.ev.ID, EventType: j.ev.Type, EndpointID: ep.ID,
				Attempt: attempt, Outcome: OutcomeSuccess, StatusCode: status, At: now,
			})
			logger.Debug("webhook delivered",
				"event_id", j.ev.ID,
				"attempt", attempt,
				"status", status,
			)
			return
		}

		errMsg := fmt.Sprintf("http status %d", status)
		if err != nil {
			errMsg = err.Error()
		}

		if !retriable(status, err) {
			e.failed.Add(1)
			e.logAttempt(AttemptRecord{
				EventID: j.ev.ID, EventType: j.ev.Type, EndpointID: ep.ID,
				Attempt: attempt, Outcome: OutcomePermanent, StatusCode: status, Error: errMsg, At: now,
			})
			logger.Warn("webhook delivery failed permanently",
				"event_id", j.ev.ID,
				"attempt", attempt,
				"status", status,
			)
			e.reportFailure(ep.ID, j.ev, errMsg)
			return
		}

		if attempt >= ep.Policy.MaxAttempts {
			e.failed.Add(1)
			e.logAttempt(AttemptRecord{
				EventID: j.ev.ID, EventType: j.ev.Type, EndpointID: ep.ID,
				Attempt: attempt, Outcome: OutcomeExhausted, StatusCode: status, Error: errMsg, At: now,
			})
			logger.Warn("webhook retry budget exhausted",
				"event_id", j.ev.ID,
				"attempts", attempt,
				"last_error", errMsg,
			)
			e.reportFailure(ep.ID, j.ev, errMsg)
			return
		}

		e.retries.Add(1)
		e.logAttempt(AttemptRecord{
			EventID: j.ev.ID, EventType: j.ev.Type, EndpointID: ep.ID,
			Attempt: attempt, Outcome: OutcomeRetry, StatusCode: status, Error: errMsg, At: now,
		})
		logger.Debug("webhook attempt failed, will retry",
			"event_id", j.ev.ID,
			"attempt", attempt,
			"status", status,
			"error", errMsg,
		)
	}
}

// attempt performs a single signed HTTP POST. Returns the response status,
// or 0 with an error for transport failures.
func (e *Engine) attempt(ctx context.Context, ep Endpoint, j job) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(j.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(j.ev.Type))
	req.Header.Set("X-Webhook-Delivery", j.ev.ID)
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(ep.Secret, j.body))
	}
	if ep.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.BearerToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	return resp.StatusCode, nil
}

// retriable classifies an attempt outcome. Transport errors, timeouts, 5xx,
// and 429 are retriable; other 4xx are permanent.
func retriable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 400 && status < 500 {
		return false
	}
	return true
}

// reportFailure publishes the webhook_delivery_failed system event. Failures
// delivering such events are logged only, so a dead endpoint subscribed to
// system events cannot feed itself.
func (e *Engine) reportFailure(endpointID string, ev *event.Event, lastError string) {
	if ev.Type == event.TypeSystem && ev.System != nil && ev.System.Kind == event.KindWebhookDeliveryFailed {
		return
	}
	e.pub.Publish(event.NewSystem(event.KindWebhookDeliveryFailed,
		fmt.Sprintf("delivery to endpoint %s failed", endpointID),
		map[string]string{
			"endpoint_id": endpointID,
			"event_id":    ev.ID,
			"event_type":  string(ev.Type),
			"last_error":  lastError,
		},
	))
}

func (e *Engine) logAttempt(rec AttemptRecord) {
	if e.log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.log.LogAttempt(ctx, rec); err != nil {
		e.logger.Error("failed to record delivery attempt", "error", err)
	}
}

// Delivered returns the count of successful deliveries.
func (e *Engine) Delivered() uint64 { return e.delivered.Load() }

// Failed returns the count of permanently failed or exhausted deliveries.
func (e *Engine) Failed() uint64 { return e.failed.Load() }

// Retries returns the count of retried attempts.
func (e *Engine) Retries() uint64 { return e.retries.Load() }

// QueueDepth returns the total pending jobs across all endpoint queues.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, w := range e.workers {
		total += len(w.queue)
	}
	return total
}
