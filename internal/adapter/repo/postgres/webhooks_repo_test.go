package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/domain"
)

func TestWebhookRepo_Create_Defaults(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}

	w, err := NewWebhookRepo(pool).Create(context.Background(), domain.Webhook{
		UserID: "user-1",
		URL:    "https://client.example.com/hooks",
		Events: []domain.EventType{domain.EventParseCompleted},
		Secret: "whsec_abc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, domain.WebhookActive, w.Status)

	require.Len(t, pool.execCalls, 1)
	c := pool.execCalls[0]
	assert.Contains(t, c.sql, "INSERT INTO webhooks")
	assert.Equal(t, []string{"parse.completed"}, c.args[3])
	// Headers always serialize as an object, never NULL.
	assert.JSONEq(t, "{}", string(c.args[9].([]byte)))
}

func TestWebhookRepo_Get_ScansEventsAndStats(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	pool := &poolStub{
		queryRowFn: func(sql string, _ []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*string)) = "wh-1"
				*(dest[1].(*string)) = "user-1"
				*(dest[2].(*string)) = "https://client.example.com/hooks"
				*(dest[3].(*[]string)) = []string{"parse.completed", "ats.completed"}
				*(dest[4].(*domain.WebhookStatus)) = domain.WebhookActive
				*(dest[5].(*string)) = "whsec_abc"
				*(dest[6].(*[]byte)) = []byte(`{"maxRetries":3}`)
				*(dest[7].(*int)) = 30000
				*(dest[10].(*int64)) = 12
				*(dest[11].(*int64)) = 10
				*(dest[12].(*int64)) = 2
				*(dest[14].(**time.Time)) = &last
				*(dest[16].(*time.Time)) = last
				*(dest[17].(*time.Time)) = last
				return nil
			}}
		},
	}

	w, err := NewWebhookRepo(pool).Get(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{domain.EventParseCompleted, domain.EventATSCompleted}, w.Events)
	assert.Equal(t, int64(12), w.Stats.Total)
	require.NotNil(t, w.Stats.LastDeliveryAt)
	assert.Equal(t, last, *w.Stats.LastDeliveryAt)
}

func TestWebhookRepo_ListActiveByEvent(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}

	out, err := NewWebhookRepo(pool).ListActiveByEvent(context.Background(), "user-1", domain.EventATSCompleted)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.Len(t, pool.queryCalls, 1)
	c := pool.queryCalls[0]
	assert.Contains(t, c.sql, "status='active'")
	assert.Contains(t, c.sql, "$2 = ANY(events)")
	assert.Equal(t, []any{"user-1", "ats.completed"}, c.args)
}

func TestWebhookRepo_ApplyDelivery_PersistsSuspension(t *testing.T) {
	t.Parallel()
	w := domain.Webhook{ID: "wh-1", Status: domain.WebhookActive}
	at := time.Now().UTC()
	for i := 0; i < domain.WebhookSuspendThreshold; i++ {
		w.ApplyFailure(at)
	}
	require.Equal(t, domain.WebhookSuspended, w.Status)

	pool := &poolStub{}
	err := NewWebhookRepo(pool).ApplyDelivery(context.Background(), w)
	require.NoError(t, err)

	require.Len(t, pool.execCalls, 1)
	c := pool.execCalls[0]
	assert.Equal(t, domain.WebhookSuspended, c.args[1])
	assert.Equal(t, domain.WebhookSuspendThreshold, c.args[5])
}

func TestWebhookRepo_Update_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{
		execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	_, err := NewWebhookRepo(pool).Update(context.Background(), domain.Webhook{ID: "wh-1", UserID: "user-1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWebhookRepo_RotateSecret_ScopedToOwner(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	err := NewWebhookRepo(pool).RotateSecret(context.Background(), "wh-1", "user-1", "whsec_new")
	require.NoError(t, err)

	require.Len(t, pool.execCalls, 1)
	c := pool.execCalls[0]
	assert.Contains(t, c.sql, "WHERE id=$1 AND user_id=$2")
	assert.Equal(t, "whsec_new", c.args[2])
}

func TestDeliveryRepo_Create_Defaults(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}

	d, err := NewDeliveryRepo(pool).Create(context.Background(), domain.WebhookDelivery{
		WebhookID: "wh-1",
		UserID:    "user-1",
		EventType: domain.EventParseCompleted,
		Payload:   []byte(`{"event":"parse.completed"}`),
		Signature: "abc123",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, domain.DeliveryPending, d.Status)

	require.Len(t, pool.execCalls, 1)
	// attempts starts as an empty JSON array.
	assert.Equal(t, "[]", string(pool.execCalls[0].args[7].([]byte)))
}

func TestDeliveryRepo_RecordAttempt_AppendsServerSide(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}

	next := time.Now().Add(2 * time.Second)
	attempt := domain.DeliveryAttempt{AttemptNumber: 1, Timestamp: time.Now().UTC(), StatusCode: 503, DurationMs: 120}
	err := NewDeliveryRepo(pool).RecordAttempt(context.Background(), "del-1", attempt, domain.DeliveryRetrying, &next, nil)
	require.NoError(t, err)

	require.Len(t, pool.execCalls, 1)
	c := pool.execCalls[0]
	assert.Contains(t, c.sql, "attempts = attempts || $2::jsonb")

	var appended []domain.DeliveryAttempt
	require.NoError(t, json.Unmarshal(c.args[1].([]byte), &appended))
	require.Len(t, appended, 1)
	assert.Equal(t, 503, appended[0].StatusCode)
	assert.Equal(t, domain.DeliveryRetrying, c.args[2])
}

func TestDeliveryRepo_DeleteOlderThan_SkipsLiveDeliveries(t *testing.T) {
	t.Parallel()
	pool := &poolStub{
		execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 5"), nil
		},
	}
	n, err := NewDeliveryRepo(pool).DeleteOlderThan(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Contains(t, pool.execCalls[0].sql, "status IN ('success','exhausted','failed')")
}
