package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestOverNATS(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	require.NoError(t, err)
	defer bus.Close()

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	defer client.Close()

	env := newTestManager(t)
	ctx := context.Background()
	a, err := env.m.CreateAgent(ctx, Configuration{Type: TypeTesting})
	require.NoError(t, err)

	sub, err := env.m.Ingest(client)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, client.Flush())

	body, err := json.Marshal(Event{
		Impact:  ImpactNegative,
		Payload: ErrorOccurrence{ErrorType: "oom", TaskType: "benchmark"},
	})
	require.NoError(t, err)

	reply, err := client.Request(natsbus.TopicLearning(a.ID), body, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply.Data))

	got, _ := env.m.GetAgent(a.ID)
	assert.Len(t, got.Learning.FailurePatterns, 1, "negative impact folds immediately")

	reply, err = client.Request(natsbus.TopicLearning("unknown"), body, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply.Data), `"ok":false`)

	reply, err = client.Request(natsbus.TopicLearning(a.ID), []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply.Data), `"ok":false`)
}
