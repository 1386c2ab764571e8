// Package forward reenvía dispositivos y registros a destinos externos
// (gRPC, MQTT, link NDJSON) sin afectar la persistencia ni el ACK.
package forward

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
	"avl-svr/internal/pipeline"
	"avl-svr/internal/session"
)

const (
	// eventos pendientes por sink; con la cola llena se descarta
	defaultQueueSize = 256
	drainTimeout     = 5 * time.Second
)

// Sink es un destino externo. Los errores se loguean, nunca llegan a la sesión.
type Sink interface {
	Name() string
	DeviceConnected(ctx context.Context, imei, remoteAddr string) error
	DeviceDisconnected(ctx context.Context, imei string) error
	Forward(ctx context.Context, batch []*pipeline.TrackingObject) error
	Close() error
}

type job struct {
	imei string
	what string
	fn   func(context.Context, Sink) error
}

// worker entrega los eventos de un sink en orden, fuera del camino del ACK.
type worker struct {
	sink  Sink
	queue chan job
}

// Tee envuelve el store principal y copia eventos a los sinks.
// El resultado de cada operación es siempre el del store principal.
type Tee struct {
	session.Store
	log *zap.SugaredLogger
	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex // protege closed contra envíos a colas cerradas
	closed  bool
	workers []*worker
}

func NewTee(primary session.Store, log *zap.SugaredLogger, sinks ...Sink) *Tee {
	return newTee(primary, log, defaultQueueSize, sinks...)
}

func newTee(primary session.Store, log *zap.SugaredLogger, queueSize int, sinks ...Sink) *Tee {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tee{
		Store:  primary,
		log:    log.With("component", "forward"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, s := range sinks {
		w := &worker{sink: s, queue: make(chan job, queueSize)}
		t.workers = append(t.workers, w)
		t.wg.Add(1)
		go t.run(w)
	}
	return t
}

func (t *Tee) run(w *worker) {
	defer t.wg.Done()
	for j := range w.queue {
		if err := j.fn(t.ctx, w.sink); err != nil {
			observability.ForwardErrors.WithLabelValues(w.sink.Name()).Inc()
			t.log.Warnw("forward failed", "sink", w.sink.Name(), "event", j.what, "imei", j.imei, "err", err)
		}
	}
}

func (t *Tee) RegisterDevice(ctx context.Context, imei, remoteAddr string) error {
	err := t.Store.RegisterDevice(ctx, imei, remoteAddr)
	t.enqueue(job{imei: imei, what: "device_connect", fn: func(ctx context.Context, s Sink) error {
		return s.DeviceConnected(ctx, imei, remoteAddr)
	}})
	return err
}

func (t *Tee) DeviceDisconnected(ctx context.Context, imei string) error {
	var err error
	if p, ok := t.Store.(session.Presence); ok {
		err = p.DeviceDisconnected(ctx, imei)
	}
	t.enqueue(job{imei: imei, what: "device_disconnect", fn: func(ctx context.Context, s Sink) error {
		return s.DeviceDisconnected(ctx, imei)
	}})
	return err
}

func (t *Tee) PersistRecords(ctx context.Context, imei string, records []codec.Record, raw session.RawHandle) error {
	err := t.Store.PersistRecords(ctx, imei, records, raw)
	if len(t.workers) > 0 {
		batch := pipeline.BuildBatch(imei, records, raw, t.now())
		t.enqueue(job{imei: imei, what: "tracking", fn: func(ctx context.Context, s Sink) error {
			return s.Forward(ctx, batch)
		}})
	}
	return err
}

// enqueue nunca bloquea: si la cola de un sink está llena el evento se pierde para ese sink.
func (t *Tee) enqueue(j job) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for _, w := range t.workers {
		select {
		case w.queue <- j:
		default:
			observability.ForwardDropped.WithLabelValues(w.sink.Name()).Inc()
			t.log.Warnw("forward queue full, dropping", "sink", w.sink.Name(), "event", j.what, "imei", j.imei)
		}
	}
}

// Close vacía las colas (hasta drainTimeout) y cierra los sinks.
// El store principal lo cierra quien lo abrió.
func (t *Tee) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, w := range t.workers {
		close(w.queue)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		t.log.Warnw("forward drain timeout, cancelling pending events")
		t.cancel()
		<-done
	}
	t.cancel()

	var err error
	for _, w := range t.workers {
		err = multierr.Append(err, w.sink.Close())
	}
	return err
}
