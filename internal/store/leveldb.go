package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"avl-svr/internal/codec"
	"avl-svr/internal/session"
)

// LevelDB es el backend embebido. Claves:
//
//	dev/<imei>                 Device (JSON)
//	raw/<imei>/<seq>           RawChunk (JSON), la clave es el RawHandle
//	rec/<imei>/<seq>/<idx>     StoredRecord (JSON)
type LevelDB struct {
	db  *leveldb.DB
	log *zap.SugaredLogger
	now func() time.Time

	mu      sync.Mutex // ficha de dispositivo y secuencia
	lastSeq int64
}

func OpenLevelDB(path string, log *zap.SugaredLogger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "open leveldb %s", path)
	}
	return NewLevelDB(db, log), nil
}

func NewLevelDB(db *leveldb.DB, log *zap.SugaredLogger) *LevelDB {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LevelDB{
		db:  db,
		log: log.With("component", "store.leveldb"),
		now: time.Now,
	}
}

var syncWrite = &opt.WriteOptions{Sync: true}

// nextSeq es monótona aunque el reloj retroceda.
func (l *LevelDB) nextSeq(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := now.UnixNano()
	if seq <= l.lastSeq {
		seq = l.lastSeq + 1
	}
	l.lastSeq = seq
	return fmt.Sprintf("%020d", seq)
}

func (l *LevelDB) RegisterDevice(ctx context.Context, imei, remoteAddr string) error {
	now := l.now().UTC()
	return l.updateDevice(imei, func(d *Device) {
		if d.FirstSeen.IsZero() {
			d.FirstSeen = now
		}
		d.Status = StatusOnline
		d.RemoteAddr = remoteAddr
		d.LastSeen = now
	})
}

func (l *LevelDB) DeviceDisconnected(ctx context.Context, imei string) error {
	now := l.now().UTC()
	return l.updateDevice(imei, func(d *Device) {
		d.Status = StatusOffline
		d.LastSeen = now
	})
}

func (l *LevelDB) updateDevice(imei string, fn func(*Device)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := []byte("dev/" + imei)
	d := Device{IMEI: imei}
	b, err := l.db.Get(key, nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &d); err != nil {
			return errors.Annotatef(err, "decode device %s", imei)
		}
	case err == leveldb.ErrNotFound:
	default:
		return errors.Annotatef(err, "get device %s", imei)
	}

	fn(&d)
	if b, err = json.Marshal(d); err != nil {
		return errors.Annotate(err, "marshal device")
	}
	if err := l.db.Put(key, b, syncWrite); err != nil {
		return errors.Annotatef(err, "put device %s", imei)
	}
	return nil
}

func (l *LevelDB) PersistRawChunk(ctx context.Context, imei, remoteAddr string, data []byte) (session.RawHandle, error) {
	now := l.now().UTC()
	key := "raw/" + imei + "/" + l.nextSeq(now)
	b, err := json.Marshal(RawChunk{
		Handle:     session.RawHandle(key),
		IMEI:       imei,
		RemoteAddr: remoteAddr,
		ReceivedAt: now,
		Data:       data,
	})
	if err != nil {
		return "", errors.Annotate(err, "marshal raw chunk")
	}
	if err := l.db.Put([]byte(key), b, syncWrite); err != nil {
		return "", errors.Annotatef(err, "put raw chunk for %s", imei)
	}
	return session.RawHandle(key), nil
}

func (l *LevelDB) PersistRecords(ctx context.Context, imei string, records []codec.Record, raw session.RawHandle) error {
	seq := strings.TrimPrefix(string(raw), "raw/"+imei+"/")
	if seq == string(raw) || seq == "" {
		return errors.Errorf("raw handle %q does not belong to %s", raw, imei)
	}

	batch := new(leveldb.Batch)
	for i, rec := range records {
		b, err := json.Marshal(StoredRecord{IMEI: imei, Raw: raw, Record: rec})
		if err != nil {
			return errors.Annotate(err, "marshal record")
		}
		batch.Put([]byte(fmt.Sprintf("rec/%s/%s/%03d", imei, seq, i)), b)
	}
	if err := l.db.Write(batch, syncWrite); err != nil {
		return errors.Annotatef(err, "write %d records for %s", len(records), imei)
	}
	return nil
}

// Device lee la ficha del dispositivo. ok=false si no existe.
func (l *LevelDB) Device(imei string) (Device, bool, error) {
	b, err := l.db.Get([]byte("dev/"+imei), nil)
	if err == leveldb.ErrNotFound {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, errors.Annotatef(err, "get device %s", imei)
	}
	var d Device
	if err := json.Unmarshal(b, &d); err != nil {
		return Device{}, false, errors.Annotatef(err, "decode device %s", imei)
	}
	return d, true, nil
}

func (l *LevelDB) RawChunks(imei string) ([]RawChunk, error) {
	var out []RawChunk
	err := l.scan("raw/"+imei+"/", func(v []byte) error {
		var c RawChunk
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, errors.Annotatef(err, "scan raw chunks %s", imei)
}

func (l *LevelDB) Records(imei string) ([]StoredRecord, error) {
	var out []StoredRecord
	err := l.scan("rec/"+imei+"/", func(v []byte) error {
		var r StoredRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, errors.Annotatef(err, "scan records %s", imei)
}

func (l *LevelDB) scan(prefix string, fn func([]byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
