package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/castmatch/engine/codec"
	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/identify"
	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/engine/persist"
	"github.com/WessleyAI/castmatch/pkg/config"
	"github.com/WessleyAI/castmatch/pkg/natsutil"
	"github.com/WessleyAI/castmatch/pkg/natsutil/natstest"
)

func TestNew_Memory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Index.Dimension = 3

	a, err := New(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.IsType(t, &persist.Memory{}, a.Store)
	assert.False(t, a.Ready())
	assert.Nil(t, a.NATS)

	res, err := a.Identify.IdentifyVector(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, identify.StatusNotReady, res.Status)

	require.NoError(t, a.Index.Upsert(ctx, 1, "A", "", []float32{1, 0, 0}))
	assert.True(t, a.Ready())
	assert.Contains(t, a.Metrics.Render(), "castmatch_index_entries 1")
	stats, err := a.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)
	assert.Contains(t, a.Metrics.Render(), "castmatch_index_entries 1")
}

func TestNew_BadgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Index.Dimension = 2
	cfg.Index.Codec = "msgpack"
	cfg.Store.Driver = config.StoreBadger
	cfg.Store.BadgerDir = t.TempDir()

	a, err := New(ctx, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Index.Upsert(ctx, 5, "E", "", []float32{0, 3}))
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer b.Close(ctx)
	assert.True(t, b.Index.Exists(5))
	m, err := b.Index.Query(ctx, []float32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.ID)
}

func TestNew_ConnectsNATS(t *testing.T) {
	ctx := context.Background()
	nc := natstest.Connect(t)
	cfg := config.Default()
	cfg.NATS.URL = nc.ConnectedUrl()

	a, err := New(ctx, cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, a.NATS)
	require.NoError(t, a.Close(ctx))
}

func TestFollowRuns_ReindexesAfterRemoteRun(t *testing.T) {
	ctx := context.Background()
	nc := natstest.Connect(t)
	cfg := config.Default()
	cfg.Index.Dimension = 3
	cfg.NATS.URL = nc.ConnectedUrl()

	a, err := New(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	sub, err := a.FollowRuns(ctx)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, a.NATS.Flush())

	c, err := codec.ByName(cfg.Index.Codec)
	require.NoError(t, err)
	data, err := c.Encode([]float32{0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, a.Store.Save(ctx, domain.StoredRecord{ID: 4, DisplayName: "remote", Vector: data}))

	n, err := a.StoreCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, a.Index.Len())

	require.NoError(t, natsutil.Publish(ctx, nc, ingest.CompletedSubject, ingest.Summary{RunID: "r1", Ingested: 1}))
	require.Eventually(t, func() bool { return a.Index.Exists(4) }, 2*time.Second, 10*time.Millisecond)
}

func TestFollowRuns_RequiresNATS(t *testing.T) {
	a, err := New(context.Background(), config.Default(), nil, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())
	_, err = a.FollowRuns(context.Background())
	assert.Error(t, err)
}

func TestNew_RejectsUnknownDrivers(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Store.Driver = "cassandra"
	_, err := New(ctx, cfg, nil, nil)
	assert.ErrorContains(t, err, "unknown store driver")

	cfg = config.Default()
	cfg.Lease.Driver = "zookeeper"
	_, err = New(ctx, cfg, nil, nil)
	assert.ErrorContains(t, err, "unknown lease driver")

	cfg = config.Default()
	cfg.Index.Codec = "protobuf"
	_, err = New(ctx, cfg, nil, nil)
	assert.Error(t, err)
}
