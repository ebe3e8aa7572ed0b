package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message was processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer spreads partitions over a fixed set of workers. Each partition is
// always served by the same worker, one message at a time, and a failing
// message is retried in place until it succeeds or ctx ends. Offsets are
// therefore committed in order and never past an unprocessed message.
type Consumer struct {
	r         reader
	workers   int
	log       *slog.Logger
	retryWait time.Duration
	maxWait   time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, logger)
}

func newConsumer(r reader, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, workers: workers, log: logger, retryWait: 200 * time.Millisecond, maxWait: 30 * time.Second}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup

	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if ctx.Err() != nil {
					continue
				}
				c.handle(ctx, id, h, m)
			}
		}(i, lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
		c.r.Close()
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%len(lanes)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, worker int, h Handler, m kafka.Message) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryWait
	eb.MaxInterval = c.maxWait
	eb.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error { return h(ctx, m) }, backoff.WithContext(eb, ctx),
		func(err error, next time.Duration) {
			c.log.Error("handler failed", "worker", worker, "topic", m.Topic,
				"partition", m.Partition, "offset", m.Offset, "retry_in", next, "err", err)
		})
	if err != nil {
		c.log.Warn("message left uncommitted", "worker", worker, "partition", m.Partition,
			"offset", m.Offset, "err", err)
		return
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Error("commit failed", "worker", worker, "offset", m.Offset, "err", err)
	}
}
