// Package notify delivers receipts for newly recorded donations. Delivery is
// asynchronous: the ledger never waits on mail or archive outages.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/notify/config"
)

// Sink принимает квитанцию к отправке.
type Sink interface {
	SendReceipt(ctx context.Context, entry model.DonationEntry) error
}

// Deliverer - один канал доставки (почта, архив, лог).
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, entry model.DonationEntry) error
}

var (
	ErrQueueFull = failure.New(failure.KindTransient, "receipt queue is full")
	ErrStopped   = failure.New(failure.KindTransient, "receipt dispatcher stopped")
)

const (
	defaultQueueSize      = 256
	defaultAttemptTimeout = 30 * time.Second
)

type Dispatcher struct {
	queue          chan model.DonationEntry
	deliverers     []Deliverer
	workers        int
	attemptTimeout time.Duration
	zaplog         *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDispatcher(cfg config.Config, zaplog *zap.Logger, deliverers ...Deliverer) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:          make(chan model.DonationEntry, size),
		deliverers:     deliverers,
		workers:        workers,
		attemptTimeout: timeout,
		zaplog:         zaplog,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run()
		}()
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			// дочищаем очередь перед остановкой
			for {
				select {
				case entry := <-d.queue:
					d.deliver(context.Background(), entry)
				default:
					return
				}
			}
		case entry := <-d.queue:
			d.deliver(d.ctx, entry)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry model.DonationEntry) {
	for _, deliverer := range d.deliverers {
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		err := deliverer.Deliver(attemptCtx, entry)
		cancel()
		if err != nil {
			d.zaplog.Error("receipt delivery failed",
				zap.String("deliverer", deliverer.Name()),
				zap.String("donation_id", entry.ID),
				zap.Int64("receipt_seq", entry.ReceiptSeq),
				zap.Error(err))
			continue
		}
		d.zaplog.Debug("receipt delivered",
			zap.String("deliverer", deliverer.Name()),
			zap.String("donation_id", entry.ID))
	}
}

// SendReceipt ставит квитанцию в очередь и не ждет доставки.
func (d *Dispatcher) SendReceipt(ctx context.Context, entry model.DonationEntry) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		d.zaplog.Warn("receipt queue full, dropping receipt", zap.String("donation_id", entry.ID))
		return ErrQueueFull
	}
}

// Shutdown останавливает прием и дожидается доставки уже принятых квитанций.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// LogDeliverer пишет квитанцию в лог; используется, когда шлюз не настроен.
type LogDeliverer struct {
	zaplog *zap.Logger
}

func NewLogDeliverer(zaplog *zap.Logger) *LogDeliverer {
	return &LogDeliverer{zaplog: zaplog}
}

func (l *LogDeliverer) Name() string { return "log" }

func (l *LogDeliverer) Deliver(_ context.Context, entry model.DonationEntry) error {
	l.zaplog.Info("receipt",
		zap.String("donation_id", entry.ID),
		zap.Int64("receipt_seq", entry.ReceiptSeq),
		zap.String("email", entry.Donor.Email),
		zap.String("amount", entry.AmountDonated.String()))
	return nil
}
