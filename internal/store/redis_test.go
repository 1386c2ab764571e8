package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"avl-svr/internal/codec"
)

const testIMEI = "356307042441013"

func testRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisFromClient(rdb, 0, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisRegisterDevice(t *testing.T) {
	t.Parallel()
	r, mr := testRedis(t)
	ctx := context.Background()
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return first }

	require.NoError(t, r.RegisterDevice(ctx, testIMEI, "10.0.0.1:4000"))
	r.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, r.RegisterDevice(ctx, testIMEI, "10.0.0.2:4000"))

	d, ok, err := r.Device(ctx, testIMEI)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusOnline, d.Status)
	assert.Equal(t, "10.0.0.2:4000", d.RemoteAddr)
	assert.Equal(t, first, d.FirstSeen)
	assert.Equal(t, first.Add(time.Hour), d.LastSeen)

	members, err := mr.Members(devicesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{testIMEI}, members)

	require.NoError(t, r.DeviceDisconnected(ctx, testIMEI))
	d, _, err = r.Device(ctx, testIMEI)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, d.Status)

	_, ok, err = r.Device(ctx, "000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPersistRawAndRecords(t *testing.T) {
	t.Parallel()
	r, _ := testRedis(t)
	ctx := context.Background()

	frame := codec.EncodeDataFrame(codec.CodecIDStandard, []codec.Record{{TimestampMs: 1, Satellites: 3}})
	h1, err := r.PersistRawChunk(ctx, testIMEI, "10.0.0.1:4000", frame)
	require.NoError(t, err)
	h2, err := r.PersistRawChunk(ctx, testIMEI, "10.0.0.1:4000", []byte{0x00, 0xFF})
	require.NoError(t, err)
	assert.NotEmpty(t, h1)
	assert.NotEqual(t, h1, h2)

	raw, err := r.RawChunks(ctx, testIMEI)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, h1, raw[0].Handle)
	assert.Equal(t, frame, raw[0].Data)
	assert.Equal(t, []byte{0x00, 0xFF}, raw[1].Data)
	assert.Equal(t, "10.0.0.1:4000", raw[0].RemoteAddr)

	recs := []codec.Record{
		{TimestampMs: 1700000000000, Longitude: 1.5, Latitude: -2.25, Speed: 10},
		{TimestampMs: 1700000001000, Longitude: 1.6, Latitude: -2.35, Speed: 12},
	}
	require.NoError(t, r.PersistRecords(ctx, testIMEI, recs, h1))

	stored, err := r.Records(ctx, testIMEI)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, h1, stored[0].Raw)
	assert.Equal(t, testIMEI, stored[1].IMEI)
	assert.Equal(t, uint16(12), stored[1].Speed)
	assert.InDelta(t, -2.35, stored[1].Latitude, 1e-9)
}

func TestRedisErrors(t *testing.T) {
	t.Parallel()
	r, mr := testRedis(t)
	ctx := context.Background()
	mr.Close()

	_, err := r.PersistRawChunk(ctx, testIMEI, "", []byte{1})
	assert.ErrorContains(t, err, "xadd raw chunk")
	assert.Error(t, r.RegisterDevice(ctx, testIMEI, ""))
	assert.Error(t, r.PersistRecords(ctx, testIMEI, []codec.Record{{}}, "1-0"))
}

func TestNewRedisPingFails(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, RedisOptions{Addr: addr}, nil)
	assert.ErrorContains(t, err, "redis ping failed")
}

func TestRedisPersistsFarFutureTimestamp(t *testing.T) {
	t.Parallel()
	r, _ := testRedis(t)
	ctx := context.Background()
	frame := farFutureFrame(t)

	h, err := r.PersistRawChunk(ctx, testIMEI, "a", []byte{1})
	require.NoError(t, err)
	require.NoError(t, r.PersistRecords(ctx, testIMEI, frame.Records, h))

	stored, err := r.Records(ctx, testIMEI)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(0x0000FFFFFFFFFFFF), stored[1].TimestampMs)
	assert.True(t, stored[1].Timestamp.IsZero())
}
