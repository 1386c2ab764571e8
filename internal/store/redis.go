package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"avl-svr/internal/codec"
	"avl-svr/internal/session"
)

const devicesKey = "devices"

func deviceKey(imei string) string    { return "dev:" + imei }
func rawStreamKey(imei string) string { return "raw:" + imei }
func recStreamKey(imei string) string { return "rec:" + imei }

// Redis guarda todo en Redis: hash por dispositivo, stream de crudos y stream
// de registros por IMEI. El id del XADD del crudo es el RawHandle.
type Redis struct {
	rdb    *redis.Client
	log    *zap.SugaredLogger
	maxLen int64
	now    func() time.Time
}

type RedisOptions struct {
	Addr string
	DB   int
	// MaxLen recorta (aprox) los streams de crudos. 0 = sin límite.
	MaxLen int64
}

func NewRedis(ctx context.Context, opt RedisOptions, log *zap.SugaredLogger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opt.Addr,
		DB:   opt.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Annotate(err, "redis ping failed")
	}
	r := NewRedisFromClient(rdb, opt.MaxLen, log)
	r.log.Infow("redis connected", "addr", opt.Addr, "db", opt.DB)
	return r, nil
}

func NewRedisFromClient(rdb *redis.Client, maxLen int64, log *zap.SugaredLogger) *Redis {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Redis{
		rdb:    rdb,
		log:    log.With("component", "store.redis"),
		maxLen: maxLen,
		now:    time.Now,
	}
}

func (r *Redis) RegisterDevice(ctx context.Context, imei, remoteAddr string) error {
	now := r.now().UTC().Format(time.RFC3339Nano)
	key := deviceKey(imei)

	pipe := r.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "first_seen", now)
	pipe.HSet(ctx, key,
		"imei", imei,
		"status", StatusOnline,
		"remote_addr", remoteAddr,
		"last_seen", now,
	)
	pipe.SAdd(ctx, devicesKey, imei)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Annotatef(err, "register device %s", imei)
	}
	return nil
}

func (r *Redis) DeviceDisconnected(ctx context.Context, imei string) error {
	now := r.now().UTC().Format(time.RFC3339Nano)
	if err := r.rdb.HSet(ctx, deviceKey(imei), "status", StatusOffline, "last_seen", now).Err(); err != nil {
		return errors.Annotatef(err, "mark %s offline", imei)
	}
	return nil
}

func (r *Redis) PersistRawChunk(ctx context.Context, imei, remoteAddr string, data []byte) (session.RawHandle, error) {
	now := r.now().UTC().Format(time.RFC3339Nano)

	pipe := r.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: rawStreamKey(imei),
		MaxLen: r.maxLen,
		Approx: r.maxLen > 0,
		Values: map[string]interface{}{
			"remote_addr": remoteAddr,
			"received_at": now,
			"data":        data,
		},
	})
	pipe.HSet(ctx, deviceKey(imei), "last_seen", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Annotatef(err, "xadd raw chunk for %s", imei)
	}
	return session.RawHandle(add.Val()), nil
}

func (r *Redis) PersistRecords(ctx context.Context, imei string, records []codec.Record, raw session.RawHandle) error {
	pipe := r.rdb.TxPipeline()
	for _, rec := range records {
		b, err := json.Marshal(StoredRecord{IMEI: imei, Raw: raw, Record: rec})
		if err != nil {
			return errors.Annotate(err, "marshal record")
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: recStreamKey(imei),
			Values: map[string]interface{}{
				"raw":    string(raw),
				"record": b,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Annotatef(err, "xadd %d records for %s", len(records), imei)
	}
	return nil
}

// Device lee la ficha del dispositivo. ok=false si no existe.
func (r *Redis) Device(ctx context.Context, imei string) (Device, bool, error) {
	vals, err := r.rdb.HGetAll(ctx, deviceKey(imei)).Result()
	if err != nil {
		return Device{}, false, errors.Annotatef(err, "hgetall %s", imei)
	}
	if len(vals) == 0 {
		return Device{}, false, nil
	}
	d := Device{
		IMEI:       imei,
		Status:     vals["status"],
		RemoteAddr: vals["remote_addr"],
	}
	d.FirstSeen, _ = time.Parse(time.RFC3339Nano, vals["first_seen"])
	d.LastSeen, _ = time.Parse(time.RFC3339Nano, vals["last_seen"])
	return d, true, nil
}

// Records devuelve los registros guardados de un IMEI, en orden de llegada.
func (r *Redis) Records(ctx context.Context, imei string) ([]StoredRecord, error) {
	msgs, err := r.rdb.XRange(ctx, recStreamKey(imei), "-", "+").Result()
	if err != nil {
		return nil, errors.Annotatef(err, "xrange records %s", imei)
	}
	out := make([]StoredRecord, 0, len(msgs))
	for _, m := range msgs {
		s, _ := m.Values["record"].(string)
		var rec StoredRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, errors.Annotatef(err, "decode record %s", m.ID)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RawChunks devuelve los frames crudos de un IMEI.
func (r *Redis) RawChunks(ctx context.Context, imei string) ([]RawChunk, error) {
	msgs, err := r.rdb.XRange(ctx, rawStreamKey(imei), "-", "+").Result()
	if err != nil {
		return nil, errors.Annotatef(err, "xrange raw %s", imei)
	}
	out := make([]RawChunk, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		remote, _ := m.Values["remote_addr"].(string)
		at, _ := m.Values["received_at"].(string)
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, RawChunk{
			Handle:     session.RawHandle(m.ID),
			IMEI:       imei,
			RemoteAddr: remote,
			ReceivedAt: ts,
			Data:       []byte(data),
		})
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
