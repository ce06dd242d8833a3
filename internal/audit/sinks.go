package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-auth/internal/client"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

// EventID is stable across retries of the same event.
func EventID(ev models.AuthEvent) string {
	return ev.RequestID + "-" + ev.Action + "-" + strconv.Itoa(ev.Attempt) + "-" + strconv.FormatInt(ev.Timestamp.UnixNano(), 10)
}

// ===================== LOG SINK =====================

// LogSink writes events as structured log lines for the log pipeline.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: util.Named("audit_events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.AuthEvent) error {
	for _, ev := range events {
		s.logger.Info("auth_event",
			zap.String("request_id", ev.RequestID),
			zap.Time("timestamp", ev.Timestamp),
			zap.String("action", ev.Action),
			zap.String("outcome", ev.Outcome),
			util.PhoneHash(ev.PhoneHash),
			zap.String("session_id", ev.SessionID),
			zap.String("flow", string(ev.Flow)),
			zap.String("from_state", string(ev.FromState)),
			zap.String("to_state", string(ev.ToState)),
			zap.Int("attempt", ev.Attempt),
			zap.String("reason", ev.Reason),
			zap.String("user_id", ev.UserID),
			zap.String("client_ip", ev.Client.IP),
			zap.String("user_agent", ev.Client.UserAgent),
			zap.Int64("latency_ms", ev.LatencyMs))
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ===================== KAFKA SINK =====================

// MessageWriter is satisfied by *client.KafkaProducer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by request id, so one request's events
// land on one partition in order.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.AuthEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode auth event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.RequestID),
			Value: value,
			Time:  ev.Timestamp,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(EventID(ev))},
				{Key: "action", Value: []byte(ev.Action)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// ===================== CLICKHOUSE SINK =====================

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
	Close() error
}

// ClickHouseSink appends events to a MergeTree table for analytics.
// ReplacingMergeTree on event_id absorbs duplicates from retried batches.
type ClickHouseSink struct {
	db    BatchInserter
	table string
}

func NewClickHouseSink(ctx context.Context, db BatchInserter, table string) (*ClickHouseSink, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        event_id String,
        request_id String,
        timestamp DateTime64(3, 'UTC'),
        action LowCardinality(String),
        outcome LowCardinality(String),
        phone_hash String,
        session_id String,
        flow LowCardinality(String),
        from_state LowCardinality(String),
        to_state LowCardinality(String),
        attempt UInt16,
        reason LowCardinality(String),
        user_id String,
        client_ip String,
        user_agent String,
        latency_ms Int64
    ) ENGINE = ReplacingMergeTree
    PARTITION BY toYYYYMM(timestamp)
    ORDER BY (timestamp, request_id, event_id)`, table)
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &ClickHouseSink{db: db, table: table}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.AuthEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			EventID(ev), ev.RequestID, ev.Timestamp, ev.Action, ev.Outcome, ev.PhoneHash,
			ev.SessionID, string(ev.Flow), string(ev.FromState), string(ev.ToState),
			uint16(ev.Attempt), ev.Reason, ev.UserID, ev.Client.IP, ev.Client.UserAgent, ev.LatencyMs,
		})
	}
	return s.db.BatchInsert(ctx, "INSERT INTO "+s.table, rows)
}

func (s *ClickHouseSink) Close() error { return s.db.Close() }

// ===================== ELASTICSEARCH SINK =====================

// BulkIndexer is satisfied by *client.ESClient.
type BulkIndexer interface {
	Bulk(ctx context.Context, index string, docs []client.BulkDoc) error
}

// ElasticsearchSink indexes events for search. Documents use EventID as _id,
// so a retried batch overwrites instead of duplicating.
type ElasticsearchSink struct {
	es    BulkIndexer
	index string
}

func NewElasticsearchSink(es BulkIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.AuthEvent) error {
	docs := make([]client.BulkDoc, 0, len(events))
	for _, ev := range events {
		docs = append(docs, client.BulkDoc{ID: EventID(ev), Body: ev})
	}
	return s.es.Bulk(ctx, s.index, docs)
}

func (s *ElasticsearchSink) Close() error { return nil }
