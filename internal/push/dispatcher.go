package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/metrics"
	"github.com/marketchat/server/internal/model"
	"github.com/rs/zerolog"
)

// Options configures a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Metrics   *metrics.Metrics
}

type job struct {
	n      Notification
	logger zerolog.Logger
}

// Dispatcher sends notifications from a bounded queue on a fixed pool of
// workers. Notify never blocks; a full queue drops the notification.
// Failed sends are logged and not retried.
type Dispatcher struct {
	senders map[model.PushPlatform]Sender
	opts    Options
	queue   chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(senders map[model.PushPlatform]Sender, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		senders: senders,
		opts:    opts,
		queue:   make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. They exit after Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.send(ctx, j)
			}
		}()
	}
}

// Notify queues msg for the push token of s. It reports whether the
// notification was accepted.
func (d *Dispatcher) Notify(ctx context.Context, s model.Session, msg Message) bool {
	logger := logging.Ctx(ctx)
	platform := s.Platform()
	if !s.Pushable() {
		return false
	}
	if _, ok := d.senders[platform]; !ok {
		logger.Debug().Str(logging.FieldPlatform, string(platform)).
			Str(logging.FieldSessionID, s.ID.String()).
			Msg("push platform not configured, skipping")
		d.opts.Metrics.Push(string(platform), "skipped")
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	j := job{
		n:      Notification{Token: *s.PushToken, Platform: platform, Message: msg},
		logger: logger.With().Str(logging.FieldSessionID, s.ID.String()).Logger(),
	}
	select {
	case d.queue <- j:
		return true
	default:
		logger.Warn().Str(logging.FieldPlatform, string(platform)).Msg("push queue full, dropping notification")
		d.opts.Metrics.Push(string(platform), "dropped")
		return false
	}
}

func (d *Dispatcher) send(ctx context.Context, j job) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
	defer cancel()

	platform := string(j.n.Platform)
	err := d.senders[j.n.Platform].Send(sendCtx, j.n)
	switch {
	case err == nil:
		d.opts.Metrics.Push(platform, "ok")
	case errors.Is(err, model.ErrValidation):
		j.logger.Warn().Err(err).Str(logging.FieldPlatform, platform).Msg("push token rejected")
		d.opts.Metrics.Push(platform, "invalid")
	default:
		j.logger.Error().Err(err).Str(logging.FieldPlatform, platform).Msg("push send failed")
		d.opts.Metrics.Push(platform, "error")
	}
}

// Close stops accepting notifications and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
