package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/metrics"
)

// Channel delivers events to a single destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}

// binding pairs a channel with its event and target filters.
type binding struct {
	channel Channel
	events  []string
	targets []string
}

// matches checks the binding's event-type and target filters.
// Empty filters match everything.
func (b binding) matches(event *Event) bool {
	if len(b.events) > 0 {
		matched := false
		for _, pattern := range b.events {
			if matchesPattern(event.Type, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(b.targets) > 0 && event.Target != "" {
		matched := false
		for _, pattern := range b.targets {
			if ok, _ := doublestar.Match(pattern, event.Target); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Dispatcher manages event delivery to configured channels.
type Dispatcher struct {
	enabled   bool
	queue     chan *Event
	client    *http.Client
	timeout   time.Duration
	retryCfg  config.NotifyRetryConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	metrics   *Metrics
	mu        sync.RWMutex
	bindings  []binding
	history   []Event
	histSize  int
	queueSize int
}

// NewDispatcher creates a dispatcher from config and starts the worker
// goroutines. A disabled config yields an inert dispatcher whose Emit is
// a no-op.
func NewDispatcher(cfg config.NotificationsConfig) (*Dispatcher, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	histSize := cfg.History
	if histSize <= 0 {
		histSize = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries <= 0 {
		retryCfg.MaxRetries = 3
	}
	if retryCfg.Backoff <= 0 {
		retryCfg.Backoff = 1 * time.Second
	}
	if retryCfg.MaxBackoff <= 0 {
		retryCfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		enabled:   cfg.Enabled,
		queue:     make(chan *Event, queueSize),
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		retryCfg:  retryCfg,
		ctx:       ctx,
		cancel:    cancel,
		metrics:   &Metrics{},
		histSize:  histSize,
		queueSize: queueSize,
	}

	if !cfg.Enabled {
		return d, nil
	}

	bindings, err := buildChannels(cfg, d.client)
	if err != nil {
		cancel()
		return nil, err
	}
	d.bindings = bindings

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d, nil
}

// buildChannels constructs one binding per configured channel.
func buildChannels(cfg config.NotificationsConfig, client *http.Client) ([]binding, error) {
	var bindings []binding

	for _, ep := range cfg.Webhooks {
		ch, err := newWebhookChannel(ep, client)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding{channel: ch, events: ep.Events, targets: ep.Targets})
	}

	if cfg.AMQP.Enabled {
		ch, err := newAMQPChannel(cfg.AMQP)
		if err != nil {
			closeBindings(bindings)
			return nil, err
		}
		bindings = append(bindings, binding{channel: ch, events: cfg.AMQP.Events, targets: cfg.AMQP.Targets})
	}

	if cfg.PubSub.Enabled {
		ch, err := newPubSubChannel(cfg.PubSub)
		if err != nil {
			closeBindings(bindings)
			return nil, err
		}
		bindings = append(bindings, binding{channel: ch, events: cfg.PubSub.Events, targets: cfg.PubSub.Targets})
	}

	return bindings, nil
}

func closeBindings(bindings []binding) {
	for _, b := range bindings {
		if c, ok := b.channel.(io.Closer); ok {
			c.Close()
		}
	}
}

// Emit sends an event to the dispatch queue. Non-blocking: if the queue
// is full, the event is dropped and the dropped counter incremented.
func (d *Dispatcher) Emit(event *Event) {
	if !d.enabled {
		return
	}
	d.metrics.TotalEmitted.Add(1)
	select {
	case d.queue <- event:
	default:
		d.metrics.TotalDropped.Add(1)
		metrics.NotifyEventsTotal.WithLabelValues("queue", "dropped").Inc()
	}
}

// ApplyConfig replaces the channel set at runtime (e.g. on config
// reload). Connection-backed channels from the old set are closed after
// the swap. The enabled flag and worker pool are fixed at construction;
// toggling them requires a restart.
func (d *Dispatcher) ApplyConfig(cfg config.NotificationsConfig) error {
	if !d.enabled {
		if cfg.Enabled {
			return fmt.Errorf("notifications were disabled at startup; restart to enable")
		}
		return nil
	}

	bindings, err := buildChannels(cfg, d.client)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.bindings
	d.bindings = bindings
	d.mu.Unlock()

	closeBindings(old)
	return nil
}

// Close cancels the dispatcher context, waits for all workers to drain
// and closes connection-backed channels.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	bindings := d.bindings
	d.bindings = nil
	d.mu.Unlock()

	closeBindings(bindings)
}

// Stats returns a snapshot of dispatcher state and metrics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	channels := len(d.bindings)
	historyCopy := make([]Event, len(d.history))
	copy(historyCopy, d.history)
	d.mu.RUnlock()

	return DispatcherStats{
		Enabled:      d.enabled,
		Channels:     channels,
		QueueSize:    d.queueSize,
		QueueUsed:    len(d.queue),
		Metrics:      d.metrics.Snapshot(),
		RecentEvents: historyCopy,
	}
}

// worker processes events from the queue.
func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.queue:
			if !ok {
				return
			}
			d.dispatch(event)
		}
	}
}

// dispatch delivers an event to all matching channels.
func (d *Dispatcher) dispatch(event *Event) {
	d.mu.Lock()
	d.history = append(d.history, *event)
	if len(d.history) > d.histSize {
		d.history = d.history[len(d.history)-d.histSize:]
	}
	bindings := make([]binding, len(d.bindings))
	copy(bindings, d.bindings)
	d.mu.Unlock()

	for _, b := range bindings {
		if !b.matches(event) {
			continue
		}
		d.deliverWithRetry(b, event)
	}
}

// deliverWithRetry attempts delivery with exponential backoff retries.
func (d *Dispatcher) deliverWithRetry(b binding, event *Event) {
	var err error
	for attempt := 0; attempt <= d.retryCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.metrics.TotalRetries.Add(1)
			backoff := d.retryCfg.Backoff
			for i := 1; i < attempt; i++ {
				backoff *= 2
				if backoff > d.retryCfg.MaxBackoff {
					backoff = d.retryCfg.MaxBackoff
					break
				}
			}
			select {
			case <-d.ctx.Done():
				d.recordFailure(b, event, d.ctx.Err())
				return
			case <-time.After(backoff):
			}
		}

		err = d.deliver(b, event)
		if err == nil {
			d.metrics.TotalDelivered.Add(1)
			metrics.NotifyEventsTotal.WithLabelValues(b.channel.Name(), "delivered").Inc()
			return
		}
	}

	d.recordFailure(b, event, err)
}

func (d *Dispatcher) recordFailure(b binding, event *Event, err error) {
	d.metrics.TotalFailed.Add(1)
	metrics.NotifyEventsTotal.WithLabelValues(b.channel.Name(), "failed").Inc()
	logging.Warn("Event delivery failed",
		zap.String("channel", b.channel.Name()),
		zap.String("event", string(event.Type)),
		zap.String("target", event.Target),
		zap.Error(err))
}

func (d *Dispatcher) deliver(b binding, event *Event) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	return b.channel.Send(ctx, event)
}
