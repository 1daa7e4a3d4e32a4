// Package audit fans guard events out to downstream sinks: a Kafka topic
// for consumers that react in near real time, and ClickHouse for long-term
// analytics beyond Redis's trailing window. Both sinks are optional and
// best-effort; the guard's own accounting never depends on them.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"api-guard/internal/client"
	"api-guard/internal/model"
)

const (
	defaultBatchSize  = 200
	defaultFlushEvery = 30 * time.Second
)

const insertOutcomesQuery = `INSERT INTO guard_outcome_events (user_id, endpoint, success, status_code, timestamp)`

type envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// batchSink is the batched-insert surface of the analytics store.
type batchSink interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// Exporter buffers outcome events for batched ClickHouse inserts and
// publishes every event to Kafka as it arrives.
type Exporter struct {
	producer *client.KafkaProducer
	sink     batchSink
	logger   *zap.Logger

	mu     sync.Mutex
	buffer []model.OutcomeEvent

	flushEvery time.Duration
	startOnce  sync.Once
	started    bool
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// NewExporter accepts nil sinks; a fully nil exporter is a no-op.
func NewExporter(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, logger *zap.Logger) *Exporter {
	e := &Exporter{
		producer:   producer,
		logger:     logger,
		flushEvery: defaultFlushEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if clickhouse != nil {
		e.sink = clickhouse
	}
	return e
}

// Start launches the background flush loop.
func (e *Exporter) Start() {
	if e == nil {
		return
	}
	e.startOnce.Do(func() {
		e.started = true
		go func() {
			defer close(e.done)
			ticker := time.NewTicker(e.flushEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					e.flush()
				case <-e.stop:
					e.flush()
					return
				}
			}
		}()
	})
}

// PublishOutcome forwards one outcome event to the sinks. Failures are
// logged, never returned: audit export must not affect the request path.
func (e *Exporter) PublishOutcome(ctx context.Context, event model.OutcomeEvent) {
	if e == nil {
		return
	}
	e.publish(ctx, event.UserID, envelope{Type: "outcome", Payload: event, EmittedAt: time.Now().UTC()})

	if e.sink != nil {
		e.mu.Lock()
		e.buffer = append(e.buffer, event)
		full := len(e.buffer) >= defaultBatchSize
		e.mu.Unlock()
		if full {
			// Off the caller's goroutine: recording usage must never wait on
			// the analytics sink.
			go e.flush()
		}
	}
}

// PublishViolation forwards one violation record to Kafka.
func (e *Exporter) PublishViolation(ctx context.Context, record model.ViolationRecord) {
	if e == nil {
		return
	}
	e.publish(ctx, record.UserID, envelope{Type: "violation", Payload: record, EmittedAt: time.Now().UTC()})
}

func (e *Exporter) publish(ctx context.Context, key string, env envelope) {
	if e.producer == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("failed to marshal audit envelope", zap.Error(err))
		return
	}
	if err := e.producer.Publish(ctx, key, payload); err != nil {
		e.logger.Warn("audit publish failed", zap.String("type", env.Type), zap.Error(err))
	}
}

func (e *Exporter) flush() {
	if e.sink == nil {
		return
	}

	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		success := uint8(0)
		if ev.Success {
			success = 1
		}
		rows = append(rows, []interface{}{ev.UserID, ev.Endpoint, success, int32(ev.StatusCode), ev.Timestamp})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.sink.BatchInsert(ctx, insertOutcomesQuery, rows); err != nil {
		e.logger.Error("failed to flush outcome events to clickhouse",
			zap.Int("batch_size", len(rows)),
			zap.Error(err))
		return
	}
	e.logger.Debug("flushed outcome events to clickhouse", zap.Int("batch_size", len(rows)))
}

// Close flushes pending rows and stops the loop.
func (e *Exporter) Close() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stop)
		if e.started {
			<-e.done
		} else {
			e.flush()
		}
	})
}
