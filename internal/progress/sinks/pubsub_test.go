package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

func newFakePubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "bylaw-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestPubSubSinkPublishesEvents(t *testing.T) {
	t.Parallel()

	srv, client := newFakePubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.CreateTopic(ctx, "progress")
	require.NoError(t, err)

	sink, err := NewPubSubSinkWithClient(ctx, client, "progress")
	require.NoError(t, err)

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{TargetID: 7, JobID: "j7", Stage: progress.StageJobDone, Percent: 100, Timestamp: time.Now().UTC()},
	}))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job_done", msgs[0].Attributes["stage"])
	require.Equal(t, "7", msgs[0].Attributes["target_id"])

	var evt progress.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &evt))
	require.Equal(t, "j7", evt.JobID)

	require.NoError(t, sink.Close(ctx))
}

func TestPubSubSinkMissingTopic(t *testing.T) {
	t.Parallel()

	_, client := newFakePubSub(t)
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := NewPubSubSinkWithClient(ctx, client, "absent")
	require.ErrorContains(t, err, "does not exist")
}
