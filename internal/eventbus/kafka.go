package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"viewguard/internal/retry"
)

// KafkaConfig selects the forwarding target.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Queue is the number of events held while the broker is slow.
	Queue int
	Retry retry.Policy
}

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder copies every bus event to a Kafka topic, keyed by event
// type. Writes happen off the bus goroutine; a full queue drops events.
type KafkaForwarder struct {
	writer MessageWriter
	logger *slog.Logger
	policy retry.Policy

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	unsubscribe func()
	dropped     int
}

// NewKafkaWriter builds a writer that waits for all in-sync replicas.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
	}
}

// NewKafkaForwarder wraps w. Use NewKafkaWriter for a real broker.
func NewKafkaForwarder(w MessageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaForwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Default
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaForwarder{
		writer: w,
		logger: logger.With("component", "kafka"),
		policy: cfg.Retry,
		queue:  make(chan Event, cfg.Queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach subscribes to bus and starts writing.
func (f *KafkaForwarder) Attach(bus *Bus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribe != nil {
		return
	}
	f.unsubscribe = bus.Subscribe(f.enqueue)
	f.wg.Add(1)
	go f.run()
}

func (f *KafkaForwarder) enqueue(ev Event) {
	select {
	case f.queue <- ev:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
	}
}

func (f *KafkaForwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.queue:
			if err := f.write(ev); err != nil && !errors.Is(err, context.Canceled) {
				f.logger.Warn("event not forwarded", "type", ev.Type, "error", err)
			}
		}
	}
}

func (f *KafkaForwarder) write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.Type), Value: data, Time: time.Now()}
	return retry.Execute(f.ctx, f.policy, f.logger, func(ctx context.Context) error {
		return f.writer.WriteMessages(ctx, msg)
	})
}

// Dropped returns how many events were discarded because the queue was full.
func (f *KafkaForwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close detaches from the bus, stops writing and closes the writer.
func (f *KafkaForwarder) Close() error {
	f.mu.Lock()
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	return f.writer.Close()
}
