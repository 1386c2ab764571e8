package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
)

// Phase de la conexión. Solo avanza.
type Phase int

const (
	PhaseAwaitingIdentity Phase = iota
	PhaseStreaming
	// PhaseClosed: la sesión pidió cerrar la conexión (rechazo, error fatal).
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingIdentity:
		return "awaiting_identity"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosed:
		return "closed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

var (
	ErrIdentityRejected  = errors.New("session: identity rejected")
	ErrProtocolViolation = errors.New("session: data after connection was closed")
)

// Conn es el lado transporte que ve la sesión. net.Conn lo cumple.
type Conn interface {
	io.Writer
	Close() error
}

// Session es la máquina de estados de una conexión con un equipo.
// Handle se puede llamar desde varias goroutines: los chunks se procesan de a uno.
type Session struct {
	mu     sync.Mutex
	conn   Conn
	remote string
	store  Store
	log    *zap.SugaredLogger

	phase Phase
	imei  string
}

func New(conn Conn, remoteAddr string, store Store, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		conn:   conn,
		remote: remoteAddr,
		store:  store,
		log:    log.With("remote", remoteAddr),
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IMEI devuelve "" hasta que el handshake termina bien.
func (s *Session) IMEI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imei
}

// Handle procesa un chunk (un frame completo). Devuelve error solo cuando la
// sesión cerró la conexión; el caller no debe seguir leyendo.
func (s *Session) Handle(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseAwaitingIdentity:
		return s.handshake(ctx, chunk)
	case PhaseStreaming:
		return s.stream(ctx, chunk)
	default:
		observability.ProtocolViolations.Inc()
		s.log.Warnw("chunk after close", "bytes", len(chunk))
		s.close()
		return ErrProtocolViolation
	}
}

func (s *Session) handshake(ctx context.Context, chunk []byte) error {
	imei, ok := codec.DecodeIdentity(chunk)
	if !ok {
		observability.HandshakeRejected.Inc()
		s.log.Warnw("identity rejected", "bytes", len(chunk))
		if _, err := s.conn.Write([]byte{codec.IdentityReject}); err != nil {
			s.log.Debugw("reject write failed", "err", err)
		}
		s.close()
		return ErrIdentityRejected
	}

	s.imei = imei
	s.phase = PhaseStreaming
	s.log = s.log.With("imei", imei)

	// el ACK del IMEI sale aunque falle el registro
	if err := s.store.RegisterDevice(ctx, imei, s.remote); err != nil {
		observability.RegisterErrors.Inc()
		s.log.Errorw("register device failed", "err", err)
	}

	if _, err := s.conn.Write([]byte{codec.IdentityAccept}); err != nil {
		s.close()
		return fmt.Errorf("write accept: %w", err)
	}
	observability.HandshakeOK.Inc()
	s.log.Infow("handshake ok")
	return nil
}

func (s *Session) stream(ctx context.Context, chunk []byte) error {
	observability.PacketsRecv.Inc()

	// primero el crudo: sin esto no hay ACK
	handle, err := s.store.PersistRawChunk(ctx, s.imei, s.remote, chunk)
	if err != nil {
		observability.RawPersistErrors.Inc()
		s.log.Errorw("persist raw chunk failed", "bytes", len(chunk), "err", err)
		s.close()
		return fmt.Errorf("persist raw chunk: %w", err)
	}

	declared := codec.DeclaredRecordCount(chunk)
	if _, err := s.conn.Write(codec.BuildAcknowledgement(uint32(declared))); err != nil {
		s.close()
		return fmt.Errorf("write ack: %w", err)
	}
	observability.RecordsAck.Add(float64(declared))

	start := time.Now()
	frame := codec.DecodeDataFrame(chunk)
	observability.ObserveParseLatency(start)

	if frame.Variant == codec.VariantUnsupported && len(chunk) > 8 {
		observability.UnsupportedCodec.WithLabelValues(fmt.Sprintf("0x%02X", frame.CodecID)).Inc()
		s.log.Warnw("unsupported codec", "codec_id", fmt.Sprintf("0x%02X", frame.CodecID), "raw", handle)
	}
	if frame.Truncated {
		observability.TruncatedFrames.Inc()
		s.log.Warnw("frame truncated", "declared", frame.Declared, "decoded", len(frame.Records), "raw", handle)
	}
	if len(frame.Records) == 0 {
		return nil
	}
	observability.RecordsDecoded.WithLabelValues(frame.Variant.String()).Add(float64(len(frame.Records)))

	if err := s.store.PersistRecords(ctx, s.imei, frame.Records, handle); err != nil {
		observability.RecordPersistErrors.Inc()
		s.log.Errorw("persist records failed", "records", len(frame.Records), "raw", handle, "err", err)
		return nil
	}
	s.log.Debugw("frame stored", "codec", frame.Variant.String(), "records", len(frame.Records), "raw", handle)
	return nil
}

func (s *Session) close() {
	s.phase = PhaseClosed
	if err := s.conn.Close(); err != nil {
		s.log.Debugw("close failed", "err", err)
	}
}
