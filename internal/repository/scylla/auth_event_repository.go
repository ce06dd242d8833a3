package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"otp-auth/internal/bucketing"
	"otp-auth/internal/models"
)

// AuthEventRepository appends audit events partitioned by day and event
// bucket, so one request's events share a partition.
type AuthEventRepository struct {
	client *ScyllaClient
	bm     *bucketing.BucketingManager
}

func NewAuthEventRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *AuthEventRepository {
	return &AuthEventRepository{client: client, bm: bm}
}

func (r *AuthEventRepository) Name() string {
	return "scylla"
}

// Write inserts events in one unlogged batch. Rows are keyed by time,
// request id and action, so replaying a batch after a partial failure
// overwrites rather than duplicates.
func (r *AuthEventRepository) Write(ctx context.Context, events []models.AuthEvent) error {
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, ev := range events {
		batch.Query(stmtInsertAuthEvent,
			r.bm.GetDateBucket(ev.Timestamp), r.bm.GetEventBucket(ev.RequestID), ev.Timestamp,
			ev.RequestID, ev.Action, ev.Outcome, ev.PhoneHash, ev.SessionID, string(ev.Flow),
			string(ev.FromState), string(ev.ToState), ev.Attempt, ev.Reason, ev.UserID,
			ev.Client.IP, ev.Client.UserAgent, ev.LatencyMs)
	}
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to write auth events: %w", err)
	}
	return nil
}

func (r *AuthEventRepository) Close() error {
	return nil
}
