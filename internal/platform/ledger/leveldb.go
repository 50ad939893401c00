package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// Key layout:
//
//	event_<seq:020d>  event JSON
//	id_<uuid>         seq of the event
//	seq_latest        newest seq
//	cursor_<name>     last seq delivered to a subscription
const (
	eventPrefix = "event_"
	idPrefix    = "id_"
	latestKey   = "seq_latest"
	cursorPref  = "cursor_"
)

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

type levelBackend struct {
	db *leveldb.DB

	// serializes seq assignment
	mu sync.Mutex
}

// OpenLevelDB opens (or creates) a ledger stored in a LevelDB directory.
// Only one process may hold the directory open.
func OpenLevelDB(path string, opts ...Option) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return newLedger(&levelBackend{db: db}, opts...), nil
}

func (b *levelBackend) getUint(key string) (uint64, error) {
	v, err := b.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(v), 10, 64)
}

func (b *levelBackend) latest() (uint64, error) {
	return b.getUint(latestKey)
}

func (b *levelBackend) append(typ EventType, payload json.RawMessage, at time.Time) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, err := b.latest()
	if err != nil {
		return Event{}, err
	}
	ev := Event{ID: uuid.New(), Seq: last + 1, Type: typ, Payload: payload, CreatedAt: at}
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	seq := strconv.FormatUint(ev.Seq, 10)

	batch := new(leveldb.Batch)
	batch.Put(eventKey(ev.Seq), data)
	batch.Put([]byte(idPrefix+ev.ID.String()), []byte(seq))
	batch.Put([]byte(latestKey), []byte(seq))
	if err := b.db.Write(batch, nil); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (b *levelBackend) bySeq(seq uint64) (Event, error) {
	data, err := b.db.Get(eventKey(seq), nil)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event %d: %w", seq, err)
	}
	return ev, nil
}

func (b *levelBackend) get(id uuid.UUID) (Event, error) {
	seq, err := b.getUint(idPrefix + id.String())
	if err != nil {
		return Event{}, err
	}
	if seq == 0 {
		return Event{}, fmt.Errorf("event %s: %w", id, sentinel.ErrNotFound)
	}
	return b.bySeq(seq)
}

func (b *levelBackend) scan(afterSeq uint64, limit int) ([]Event, error) {
	r := util.BytesPrefix([]byte(eventPrefix))
	r.Start = eventKey(afterSeq + 1)
	iter := b.db.NewIterator(r, nil)
	defer iter.Release()

	var out []Event
	for iter.Next() && len(out) < limit {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event at %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (b *levelBackend) cursor(name string) (uint64, error) {
	return b.getUint(cursorPref + name)
}

func (b *levelBackend) setCursor(name string, seq uint64) error {
	return b.db.Put([]byte(cursorPref+name), []byte(strconv.FormatUint(seq, 10)), nil)
}

func (b *levelBackend) close() error {
	return b.db.Close()
}
