package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"avl-svr/internal/codec"
)

const testIMEI = "356307042441013"

type event struct {
	kind string
	data []byte
}

type journal struct {
	mu     sync.Mutex
	events []event
}

func (j *journal) add(kind string, data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event{kind: kind, data: append([]byte(nil), data...)})
}

func (j *journal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.events))
	for i, e := range j.events {
		out[i] = e.kind
	}
	return out
}

func (j *journal) writes() [][]byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out [][]byte
	for _, e := range j.events {
		if e.kind == "write" {
			out = append(out, e.data)
		}
	}
	return out
}

type fakeConn struct {
	j        *journal
	closed   atomic.Bool
	writeErr error
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.j.add("write", p)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.j.add("close", nil)
	return nil
}

type fakeStore struct {
	j           *journal
	registerErr error
	rawErr      error
	recordsErr  error

	mu      sync.Mutex
	seq     int
	records map[RawHandle][]codec.Record

	inflight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func newFakeStore(j *journal) *fakeStore {
	return &fakeStore{j: j, records: map[RawHandle][]codec.Record{}}
}

func (s *fakeStore) RegisterDevice(_ context.Context, imei, _ string) error {
	s.j.add("register", []byte(imei))
	return s.registerErr
}

func (s *fakeStore) PersistRawChunk(_ context.Context, _, _ string, data []byte) (RawHandle, error) {
	if s.inflight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inflight.Add(-1)
	time.Sleep(s.delay)

	s.j.add("raw", data)
	if s.rawErr != nil {
		return "", s.rawErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return RawHandle(fmt.Sprintf("raw-%d", s.seq)), nil
}

func (s *fakeStore) PersistRecords(_ context.Context, _ string, records []codec.Record, raw RawHandle) error {
	s.j.add("records", nil)
	if s.recordsErr != nil {
		return s.recordsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[raw] = append(s.records[raw], records...)
	return nil
}

func testSession(t *testing.T) (*Session, *fakeConn, *fakeStore, *journal) {
	j := &journal{}
	conn := &fakeConn{j: j}
	st := newFakeStore(j)
	return New(conn, "10.0.0.7:5027", st, zaptest.NewLogger(t).Sugar()), conn, st, j
}

func sampleRecords(n int) []codec.Record {
	out := make([]codec.Record, n)
	for i := range out {
		out[i] = codec.Record{
			TimestampMs: 1700000000000 + uint64(i)*1000,
			Longitude:   25.3032016,
			Latitude:    54.7146733,
			Satellites:  8,
			Speed:       uint16(i),
		}
	}
	return out
}

func TestHandshakeAccept(t *testing.T) {
	t.Parallel()
	s, conn, _, j := testSession(t)

	require.NoError(t, s.Handle(context.Background(), codec.EncodeIdentity(testIMEI)))
	assert.Equal(t, PhaseStreaming, s.Phase())
	assert.Equal(t, testIMEI, s.IMEI())
	assert.Equal(t, []string{"register", "write"}, j.kinds())
	assert.Equal(t, [][]byte{{codec.IdentityAccept}}, j.writes())
	assert.False(t, conn.closed.Load())
}

func TestHandshakeAcceptDespiteRegisterError(t *testing.T) {
	t.Parallel()
	s, _, st, j := testSession(t)
	st.registerErr = errors.New("redis down")

	require.NoError(t, s.Handle(context.Background(), codec.EncodeIdentity(testIMEI)))
	assert.Equal(t, PhaseStreaming, s.Phase())
	assert.Equal(t, [][]byte{{codec.IdentityAccept}}, j.writes())
}

func TestHandshakeReject(t *testing.T) {
	t.Parallel()
	s, conn, _, j := testSession(t)

	err := s.Handle(context.Background(), codec.EncodeIdentity("12345"))
	assert.ErrorIs(t, err, ErrIdentityRejected)
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Empty(t, s.IMEI())
	assert.True(t, conn.closed.Load())
	assert.Equal(t, [][]byte{{codec.IdentityReject}}, j.writes())

	// cualquier cosa después es violación de protocolo
	frame := codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(1))
	err = s.Handle(context.Background(), frame)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, [][]byte{{codec.IdentityReject}}, j.writes())
	assert.NotContains(t, j.kinds(), "raw")
}

func TestNeverStreamsWithoutIdentity(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		s, _, _, j := testSession(t)
		for k := 0; k < 3; k++ {
			chunk := make([]byte, rnd.Intn(40))
			rnd.Read(chunk)
			// nunca un IMEI válido: primer dígito forzado a letra
			if len(chunk) > 2 {
				chunk[2] = 'x'
			}
			_ = s.Handle(context.Background(), chunk)
			assert.NotEqual(t, PhaseStreaming, s.Phase())
		}
		for _, w := range j.writes() {
			assert.Len(t, w, 1)
		}
	}
}

func TestStreamRawBeforeAck(t *testing.T) {
	t.Parallel()
	s, _, st, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	frame := codec.EncodeDataFrame(codec.CodecIDExtended, sampleRecords(3))
	require.NoError(t, s.Handle(ctx, frame))

	assert.Equal(t, []string{"register", "write", "raw", "write", "records"}, j.kinds())
	writes := j.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(writes[1]))

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.records["raw-1"], 3)
	assert.Equal(t, uint16(2), st.records["raw-1"][2].Speed)
}

func TestStreamRawPersistFailureCloses(t *testing.T) {
	t.Parallel()
	s, conn, st, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	rawErr := errors.New("disk full")
	st.rawErr = rawErr
	err := s.Handle(ctx, codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(2)))
	assert.ErrorIs(t, err, rawErr)
	assert.True(t, conn.closed.Load())
	assert.Equal(t, PhaseClosed, s.Phase())
	// solo el accept del handshake, ningún ACK de 4 bytes
	assert.Equal(t, [][]byte{{codec.IdentityAccept}}, j.writes())
	assert.NotContains(t, j.kinds(), "records")
}

func TestStreamRecordPersistFailureKeepsConnection(t *testing.T) {
	t.Parallel()
	s, conn, st, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	st.recordsErr = errors.New("timeout")
	require.NoError(t, s.Handle(ctx, codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(2))))
	assert.False(t, conn.closed.Load())
	assert.Equal(t, PhaseStreaming, s.Phase())
	writes := j.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0, 0, 0, 2}, writes[1])
}

func TestStreamUnsupportedCodecStillAcks(t *testing.T) {
	t.Parallel()
	s, conn, _, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	frame := codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(4))
	frame[8] = 0x10
	require.NoError(t, s.Handle(ctx, frame))

	assert.False(t, conn.closed.Load())
	assert.Equal(t, []byte{0, 0, 0, 4}, j.writes()[1])
	assert.NotContains(t, j.kinds(), "records")
}

func TestStreamTruncatedAcksDeclared(t *testing.T) {
	t.Parallel()
	s, _, st, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	frame := codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(1))
	frame[9] = 5
	require.NoError(t, s.Handle(ctx, frame))

	assert.Equal(t, []byte{0, 0, 0, 5}, j.writes()[1])
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.records["raw-1"], 1)
}

func TestStreamShortChunkAcksZero(t *testing.T) {
	t.Parallel()
	s, conn, _, j := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	require.NoError(t, s.Handle(ctx, []byte{0xFF}))
	assert.Equal(t, []byte{0, 0, 0, 0}, j.writes()[1])
	assert.False(t, conn.closed.Load())
}

func TestStreamAckWriteFailure(t *testing.T) {
	t.Parallel()
	s, conn, _, _ := testSession(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	conn.writeErr = errors.New("broken pipe")
	err := s.Handle(ctx, codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(1)))
	assert.ErrorIs(t, err, conn.writeErr)
	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestHandleSerializesChunks(t *testing.T) {
	t.Parallel()
	s, _, st, j := testSession(t)
	st.delay = 2 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, codec.EncodeIdentity(testIMEI)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.Handle(ctx, codec.EncodeDataFrame(codec.CodecIDStandard, sampleRecords(n%3+1))))
		}(i)
	}
	wg.Wait()
	assert.False(t, st.overlap.Load())

	// cada raw va seguido de su ACK antes del siguiente raw
	kinds := j.kinds()
	for i, k := range kinds {
		if k == "raw" {
			require.Greater(t, len(kinds), i+1)
			assert.Equal(t, "write", kinds[i+1])
		}
	}
	assert.Len(t, j.writes(), 17)
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "awaiting_identity", PhaseAwaitingIdentity.String())
	assert.Equal(t, "streaming", PhaseStreaming.String())
	assert.Equal(t, "closed", PhaseClosed.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}
