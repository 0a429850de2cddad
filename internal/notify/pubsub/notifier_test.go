// Package pubsub_test exercises the notifier against an in-memory
// Pub/Sub server.
package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/notify"
	notifypubsub "github.com/pcallen/catalogue-harvester/internal/notify/pubsub"
)

func TestNotifier_PublishAndClose(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := gcppubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "job-events")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "job-events-sub", gcppubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	n := notifypubsub.NewWithClient(client, "job-events")

	note := notify.Notification{
		JobID:      "job-42",
		Source:     "qs-rankings",
		Status:     harvest.JobStatusCompleted,
		Counters:   harvest.JobCounters{Processed: 3, Inserted: 2, Enriched: 1},
		FinishedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, n.Publish(ctx, note))

	received := make(chan *gcppubsub.Message, 1)
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	go func() {
		_ = sub.Receive(rctx, func(_ context.Context, msg *gcppubsub.Message) {
			msg.Ack()
			received <- msg
			cancel()
		})
	}()

	select {
	case msg := <-received:
		assert.Equal(t, "job-42", msg.Attributes["job_id"])
		assert.Equal(t, "completed", msg.Attributes["status"])
		var got notify.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, note.JobID, got.JobID)
		assert.Equal(t, note.Counters, got.Counters)
	case <-rctx.Done():
		t.Fatal("notification never arrived")
	}

	require.NoError(t, n.Close())
}
