/*
handoff.go - Payment set handoff to payment execution

PURPOSE:
  Periodically finds finalized periods, publishes their locked payment set
  and moves them to processing_payment through the approval ledger.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Checks once immediately on start, then on every tick
  - A period is released only after its payment set was published
  - Publishing is at least once: a failed release is retried on the next
    tick and republishes the same set, keyed by period id

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - Enabled: Whether the dispatcher is active (default: true)

USAGE:
  d := handoff.NewDispatcher(manager, handoff.NewKafkaPublisher(writer, topic), logger)
  d.Start()
  // ... later
  d.Stop()

SEE ALSO:
  - payroll/payment.go: PaymentSet
  - payroll/ledger.go: release_payment
*/
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/payroll"
)

const (
	DefaultTopic         = "payroll.payment-sets"
	DefaultCheckInterval = time.Minute

	EventPaymentSetReleased = "payroll.payment_set.released"
)

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher delivers a payment set to payment execution.
type Publisher interface {
	PublishPaymentSet(ctx context.Context, set payroll.PaymentSet) error
}

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes one message per payment set, keyed by period id so
// every set of a period lands on the same partition.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

func NewKafkaPublisher(writer MessageWriter, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

// NewKafkaWriter returns a writer for the given brokers. The topic is set per
// message, so the writer itself carries none.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) PublishPaymentSet(ctx context.Context, set payroll.PaymentSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode payment set %s: %w", set.PeriodID, err)
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(set.PeriodID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventPaymentSetReleased)},
			{Key: "period_id", Value: []byte(set.PeriodID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish payment set %s: %w", set.PeriodID, err)
	}
	return nil
}

// =============================================================================
// DISPATCHER
// =============================================================================

// PeriodService is the part of *payroll.PeriodManager the dispatcher drives.
type PeriodService interface {
	ListPeriods(ctx context.Context, filter payroll.PeriodFilter) ([]payroll.Period, error)
	PaymentSet(ctx context.Context, id payroll.PeriodID) (payroll.PaymentSet, error)
	Transition(ctx context.Context, req payroll.AppendRequest) (payroll.LedgerEntry, error)
}

// Result summarizes one dispatch pass.
type Result struct {
	Checked  int                `json:"checked"`
	Released []payroll.PeriodID `json:"released"`
	Failed   []payroll.PeriodID `json:"failed"`
	RanAt    time.Time          `json:"ran_at"`
}

type Dispatcher struct {
	Periods       PeriodService
	Publisher     Publisher
	CheckInterval time.Duration
	Enabled       bool

	logger  *zap.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
	lastRun time.Time
}

func NewDispatcher(periods PeriodService, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Periods:       periods,
		Publisher:     publisher,
		CheckInterval: DefaultCheckInterval,
		Enabled:       true,
		logger:        logger.Named("handoff.dispatcher"),
	}
}

// Start begins the dispatcher.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Enabled {
		d.logger.Info("dispatcher disabled, not starting")
		return
	}
	if d.ticker != nil {
		return
	}

	d.ticker = time.NewTicker(d.CheckInterval)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.ticker, d.stop)

	d.logger.Info("dispatcher started", zap.Duration("check_interval", d.CheckInterval))
}

// Stop stops the dispatcher and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	ticker, stop := d.ticker, d.stop
	d.ticker = nil
	d.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer d.wg.Done()

	d.tick()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-stop:
			return
		}
	}
}

func (d *Dispatcher) tick() {
	if _, err := d.RunNow(context.Background()); err != nil {
		d.logger.Error("dispatch pass failed", zap.Error(err))
	}
}

// RunNow performs one dispatch pass synchronously. A failure on one period
// is logged and does not stop the others.
func (d *Dispatcher) RunNow(ctx context.Context) (Result, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	res := Result{RanAt: time.Now().UTC()}
	periods, err := d.Periods.ListPeriods(ctx, payroll.PeriodFilter{Status: payroll.PeriodFinalized})
	if err != nil {
		return res, fmt.Errorf("list finalized periods: %w", err)
	}
	res.Checked = len(periods)

	for _, p := range periods {
		if err := d.dispatch(ctx, p); err != nil {
			d.logger.Error("payment handoff failed",
				zap.String("period_id", string(p.ID)),
				zap.Error(err))
			res.Failed = append(res.Failed, p.ID)
			continue
		}
		res.Released = append(res.Released, p.ID)
	}

	d.mu.Lock()
	d.lastRun = res.RanAt
	d.mu.Unlock()
	if len(periods) > 0 {
		d.logger.Info("dispatch pass finished",
			zap.Int("checked", res.Checked),
			zap.Int("released", len(res.Released)),
			zap.Int("failed", len(res.Failed)))
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p payroll.Period) error {
	set, err := d.Periods.PaymentSet(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := d.Publisher.PublishPaymentSet(ctx, set); err != nil {
		return err
	}
	_, err = d.Periods.Transition(ctx, payroll.AppendRequest{
		PeriodID:       p.ID,
		Action:         payroll.ActionReleasePayment,
		Actor:          payroll.SystemActor,
		Comment:        fmt.Sprintf("payment set published: %d lines, total %s", len(set.Lines), set.TotalNet.StringFixed(2)),
		ExpectedStatus: payroll.PeriodFinalized,
	})
	if err != nil {
		return fmt.Errorf("release payment: %w", err)
	}
	d.logger.Info("payment set released",
		zap.String("period_id", string(p.ID)),
		zap.Int("lines", len(set.Lines)))
	return nil
}

// NextRunTime returns when the next pass is due, or the zero time if the
// dispatcher has not run yet.
func (d *Dispatcher) NextRunTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRun.IsZero() {
		return time.Time{}
	}
	return d.lastRun.Add(d.CheckInterval)
}
