package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DexIndexer/internal/observability"
)

// ConnectNATS dials the NATS server and opens a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// CycleEvent describes the outcome of one ingestion cycle. Events are
// published after the cycle's batch is committed, so a consumer that
// sees an event can rely on the data being queryable.
// Subjects follow the pattern: dex.indexer.cycles.{stream}
type CycleEvent struct {
	Stream           string    `json:"stream"`
	CycleID          string    `json:"cycle_id"`
	Result           string    `json:"result"`
	RecordsProcessed int       `json:"records_processed"`
	CursorLedger     uint32    `json:"cursor_ledger"`
	LatencyMS        int64     `json:"latency_ms"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// CyclePublisher publishes cycle events to NATS for downstream consumers.
// Publishing is strictly best-effort: a slow or absent NATS server never
// blocks or fails ingestion.
type CyclePublisher struct {
	js      jetstream.JetStream
	events  chan CycleEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCyclePublisher(js jetstream.JetStream, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *CyclePublisher {
	return &CyclePublisher{
		js:      js,
		events:  make(chan CycleEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Offer enqueues an event without blocking. Dropped events are counted.
func (p *CyclePublisher) Offer(evt CycleEvent) {
	select {
	case p.events <- evt:
	default:
		p.metrics.PublishDrops.Inc()
		p.logger.Warn().
			Str("stream", evt.Stream).
			Str("cycle_id", evt.CycleID).
			Msg("publish buffer full, dropping cycle event")
	}
}

// Run starts the publisher loop.
func (p *CyclePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.events:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, evt); err != nil {
				p.metrics.PublishDrops.Inc()
				p.logger.Warn().
					Err(err).
					Str("stream", evt.Stream).
					Str("cycle_id", evt.CycleID).
					Msg("cycle event publish failed")
				// Non-fatal: the committed data is already queryable
			}
		}
	}
}

func (p *CyclePublisher) publish(ctx context.Context, evt CycleEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal cycle event: %w", err)
	}

	subject := fmt.Sprintf("dex.indexer.cycles.%s", evt.Stream)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureCycleStream creates the cycle events stream.
func EnsureCycleStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DEX_INDEXER_CYCLES",
		Subjects:  []string{"dex.indexer.cycles.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create cycle stream: %w", err)
	}
	return nil
}
