// Package notify delivers deactivation request notifications off the request path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/observability/metrics"
)

// Event announces a freshly created deactivation request.
type Event struct {
	ID         uuid.UUID
	Request    model.DeactivationRequest
	OccurredAt time.Time
}

// UserLookup resolves the owner of a request.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

// Outbox tracks which requests are still owed a notification.
type Outbox interface {
	Unnotified(ctx context.Context, createdBefore time.Time, limit int) ([]model.DeactivationRequest, error)
	MarkNotified(ctx context.Context, requestID int64) error
}

// Config tunes the dispatcher.
type Config struct {
	Workers      int
	QueueSize    int
	MaxRetries   uint64
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SendTimeout  time.Duration
	DrainTimeout time.Duration

	// SweepInterval is how often the outbox is scanned for requests whose event was
	// dropped or whose delivery gave up. SweepAge is the minimum request age for that.
	SweepInterval time.Duration
	SweepAge      time.Duration
	SweepBatch    int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepAge <= 0 {
		c.SweepAge = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent")

// Dispatcher fans events out to a pool of workers over a bounded queue.
type Dispatcher struct {
	cfg    Config
	users  UserLookup
	outbox Outbox
	mailer Mailer
	tmpl   *Templates
	log    *zap.Logger
	now    func() time.Time

	queue   chan Event
	stopped atomic.Bool
	// request ids queued or being delivered
	inflight sync.Map
	// request ids settled since the current sweep began, mapped to the settle time
	settled sync.Map
}

// New constructs a Dispatcher; call Run to start delivering. outbox may be nil, in which
// case dropped events are not redelivered.
func New(cfg Config, users UserLookup, outbox Outbox, mailer Mailer, log *zap.Logger) (*Dispatcher, error) {
	if users == nil || mailer == nil {
		return nil, errors.New("notify: users and mailer are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	tmpl, err := DefaultTemplates()
	if err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &Dispatcher{
		cfg:    cfg,
		users:  users,
		outbox: outbox,
		mailer: mailer,
		now:    time.Now,
		tmpl:   tmpl,
		log:    log.Named("notify"),
		queue:  make(chan Event, cfg.QueueSize),
	}, nil
}

// DeactivationRequested enqueues a notification without blocking. When the queue is full
// the event is dropped and left to the outbox sweep.
func (d *Dispatcher) DeactivationRequested(req model.DeactivationRequest) {
	d.enqueue(req)
}

// enqueue reports whether the request was queued. A request already queued or in
// delivery counts as queued.
func (d *Dispatcher) enqueue(req model.DeactivationRequest) bool {
	ev := Event{ID: uuid.Must(uuid.NewV4()), Request: req, OccurredAt: d.now()}
	if d.stopped.Load() {
		d.drop(ev, "dispatcher stopped")
		return false
	}
	if _, loaded := d.inflight.LoadOrStore(req.ID, struct{}{}); loaded {
		return true
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.inflight.Delete(req.ID)
		d.drop(ev, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	d.log.Warn("notification dropped",
		zap.String("reason", reason),
		zap.Stringer("event_id", ev.ID),
		zap.Int64("request_id", ev.Request.ID),
		zap.Int64("user_id", ev.Request.UserID),
	)
}

// Run starts the workers and blocks until ctx is cancelled. In-flight deliveries and events
// still queued at that point get DrainTimeout to finish, then they are abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	// outlives ctx so a shutdown does not abort deliveries already in progress
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, sendCtx)
		}()
	}
	if d.outbox != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweepLoop(ctx)
		}()
	}
	<-ctx.Done()
	d.stopped.Store(true)

	drainCtx, cancel := context.WithTimeout(sendCtx, d.cfg.DrainTimeout)
	defer cancel()
	stopAfter := context.AfterFunc(drainCtx, cancelSend)
	defer stopAfter()

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.drain(drainCtx)
		}()
	}
	wg.Wait()
	if n := len(d.queue); n > 0 {
		d.log.Warn("notifications left undelivered", zap.Int("count", n))
	}
	return nil
}

func (d *Dispatcher) work(ctx, sendCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.handle(sendCtx, ev)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case ev := <-d.queue:
			d.handle(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweep(ctx)
		}
	}
}

// sweep requeues requests that are old enough and still unnotified. A request settled
// after the listing was read is skipped.
func (d *Dispatcher) sweep(ctx context.Context) {
	start := d.now()
	defer d.forgetSettled(start)

	reqs, err := d.outbox.Unnotified(ctx, start.Add(-d.cfg.SweepAge), d.cfg.SweepBatch)
	if err != nil {
		d.log.Warn("notification sweep failed", zap.Error(err))
		return
	}
	requeued := 0
	for _, req := range reqs {
		if _, done := d.settled.Load(req.ID); done {
			continue
		}
		if !d.enqueue(req) {
			break
		}
		requeued++
	}
	if requeued > 0 {
		metrics.NotificationsTotal.WithLabelValues("requeued").Add(float64(requeued))
		d.log.Info("notifications requeued", zap.Int("count", requeued))
	}
}

// forgetSettled drops entries settled before a sweep started; later listings already
// reflect them.
func (d *Dispatcher) forgetSettled(before time.Time) {
	d.settled.Range(func(k, v any) bool {
		if v.(time.Time).Before(before) {
			d.settled.Delete(k)
		}
		return true
	})
}

// settle records a final outcome so the sweep stops offering the request.
func (d *Dispatcher) settle(ctx context.Context, ev Event, log *zap.Logger) {
	if d.outbox == nil {
		return
	}
	// a delivered mail is recorded even when the drain deadline has passed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	if err := d.outbox.MarkNotified(ctx, ev.Request.ID); err != nil {
		log.Warn("mark notified", zap.Error(err))
	}
	d.settled.Store(ev.Request.ID, d.now())
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	defer d.inflight.Delete(ev.Request.ID)
	log := d.log.With(
		zap.Stringer("event_id", ev.ID),
		zap.Int64("request_id", ev.Request.ID),
		zap.Int64("user_id", ev.Request.UserID),
	)

	b := retry.NewExponential(d.cfg.BaseDelay)
	b = retry.WithCappedDuration(d.cfg.MaxDelay, b)
	b = retry.WithMaxRetries(d.cfg.MaxRetries, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.NotificationsTotal.WithLabelValues("retried").Inc()
		}
		err := d.deliver(ctx, ev)
		if err == nil || errors.Is(err, errPermanent) {
			return err
		}
		log.Warn("notification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Error("notification failed", zap.Int("attempts", attempt), zap.Error(err))
		if errors.Is(err, errPermanent) {
			d.settle(ctx, ev, log)
		}
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	log.Info("notification sent", zap.Int("attempts", attempt))
	d.settle(ctx, ev, log)
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	u, err := d.users.GetByID(ctx, ev.Request.UserID)
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: user %d is gone", errPermanent, ev.Request.UserID)
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	if u.Email == "" {
		return fmt.Errorf("%w: user %d has no email", errPermanent, u.ID)
	}

	msg, err := d.tmpl.Render(u, ev)
	if err != nil {
		return fmt.Errorf("%w: render: %v", errPermanent, err)
	}
	return d.mailer.Send(ctx, msg)
}
