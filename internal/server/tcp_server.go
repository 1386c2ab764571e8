package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
	"avl-svr/internal/session"
)

type Options struct {
	Store       session.Store
	Log         *zap.SugaredLogger
	ReadBuffer  int
	IdleTimeout time.Duration // 0 = sin límite
	VerifyCRC   bool
}

// Server acepta equipos por TCP y le da a cada conexión su propia sesión.
type Server struct {
	opts Options
	log  *zap.SugaredLogger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	devices map[string]net.Conn
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 2048
	}
	return &Server{
		opts:    opts,
		log:     opts.Log.With("component", "tcp"),
		conns:   make(map[net.Conn]struct{}),
		devices: make(map[string]net.Conn),
	}
}

func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

// Serve atiende hasta que ctx se cancela; entonces cierra el listener y las
// conexiones abiertas y espera a que terminen.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.log.Infow("tcp server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		srv.closeAll()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				srv.wg.Wait()
				srv.log.Infow("tcp server stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				srv.log.Warnw("accept error", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			srv.log.Errorw("accept failed, closing connections", "err", err)
			srv.closeAll()
			srv.wg.Wait()
			return err
		}

		srv.track(ctx, conn)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConnection(ctx, conn)
		}()
	}
}

func (srv *Server) track(ctx context.Context, conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.conns[conn] = struct{}{}
	// aceptada justo mientras se apagaba: closeAll ya pasó
	if ctx.Err() != nil {
		_ = conn.Close()
	}
}

func (srv *Server) untrack(conn net.Conn, imei string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.conns, conn)
	if imei != "" && srv.devices[imei] == conn {
		delete(srv.devices, imei)
	}
}

func (srv *Server) closeAll() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for c := range srv.conns {
		_ = c.Close()
	}
}

// Devices devuelve IMEI -> dirección remota de los equipos identificados.
func (srv *Server) Devices() map[string]string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make(map[string]string, len(srv.devices))
	for imei, c := range srv.devices {
		out[imei] = c.RemoteAddr().String()
	}
	return out
}

func (srv *Server) setDevice(imei string, conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if old, ok := srv.devices[imei]; ok && old != conn {
		srv.log.Warnw("imei already connected, replacing", "imei", imei,
			"old", old.RemoteAddr().String(), "new", conn.RemoteAddr().String())
	}
	srv.devices[imei] = conn
}

func (srv *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := srv.log.With("remote", remote)
	sess := session.New(conn, remote, srv.opts.Store, srv.opts.Log)

	observability.TCPConnections.Inc()
	observability.ActiveConnections.Inc()

	var imei string
	defer func() {
		_ = conn.Close()
		srv.untrack(conn, imei)
		observability.ActiveConnections.Dec()
		if imei == "" {
			return
		}
		if p, ok := srv.opts.Store.(session.Presence); ok {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.DeviceDisconnected(dctx, imei); err != nil {
				log.Warnw("mark offline failed", "imei", imei, "err", err)
			}
			cancel()
		}
		log.Infow("device disconnected", "imei", imei)
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	buffer := make([]byte, srv.opts.ReadBuffer)
	for {
		if srv.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(srv.opts.IdleTimeout))
		}
		n, err := conn.Read(buffer)
		if n > 0 {
			// el buffer se reutiliza; la sesión y el store se quedan con la copia
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			srv.checkCRC(log, sess, chunk)

			if herr := sess.Handle(ctx, chunk); herr != nil {
				log.Infow("session closed connection", "imei", sess.IMEI(), "err", herr)
				imei = sess.IMEI()
				return
			}
			if imei == "" && sess.Phase() == session.PhaseStreaming {
				imei = sess.IMEI()
				srv.setDevice(imei, conn)
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
			case errors.As(err, &ne) && ne.Timeout():
				log.Infow("idle timeout", "imei", imei, "after", srv.opts.IdleTimeout)
			case ctx.Err() != nil:
			default:
				log.Warnw("read error", "imei", imei, "err", err)
			}
			return
		}
	}
}

// checkCRC solo mide: el ACK no depende del CRC.
func (srv *Server) checkCRC(log *zap.SugaredLogger, sess *session.Session, chunk []byte) {
	if !srv.opts.VerifyCRC || sess.Phase() != session.PhaseStreaming {
		return
	}
	ok, err := codec.VerifyCRC(chunk)
	if err != nil {
		log.Debugw("crc not checked", "imei", sess.IMEI(), "err", err)
		return
	}
	if !ok {
		observability.CRCMismatch.Inc()
		log.Warnw("crc mismatch", "imei", sess.IMEI(), "bytes", len(chunk))
	}
}
