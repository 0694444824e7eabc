package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"

	"github.com/oneminuta/spherigo/codec"
	"github.com/oneminuta/spherigo/refs"
	"github.com/oneminuta/spherigo/sphericode"
)

const (
	metaFile    = "meta.json"
	stateFile   = "state.json"
	eventsFile  = "events.ndjson"
	archiveFile = "events.ndjson.zst"
	lockFile    = ".lock"

	// maxEventLine bounds a single serialized event.
	maxEventLine = 1 << 20
)

var (
	// ErrRecordNotFound is returned when a record directory does not exist.
	ErrRecordNotFound = errors.New("ledger: record not found")

	// ErrRecordExists is returned by Create for an already-existing record.
	ErrRecordExists = errors.New("ledger: record already exists")

	// ErrInvalidEvent is returned when an event payload fails validation.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// Options configures a Ledger.
type Options struct {
	// Codec serializes metadata, events and state projections.
	Codec codec.Codec

	// BitsPerAxis is the SpheriCode resolution used when folding.
	BitsPerAxis int
}

// DefaultOptions are the defaults used by New.
var DefaultOptions = Options{
	Codec:       codec.Default,
	BitsPerAxis: sphericode.DefaultBitsPerAxis,
}

// Ledger stores records on the local filesystem, one directory per record:
//
//	<root>/<owner>/<id>/meta.json
//	<root>/<owner>/<id>/state.json
//	<root>/<owner>/<id>/events.ndjson
//	<root>/<owner>/<id>/events.ndjson.zst
//
// Appends to a record are serialized with an advisory file lock, so
// concurrent processes never interleave event lines.
type Ledger struct {
	root  string
	codec codec.Codec
	bits  int
	now   func() time.Time
}

// New creates a ledger rooted at dir.
func New(dir string, optFns ...func(o *Options)) *Ledger {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.BitsPerAxis <= 0 {
		opts.BitsPerAxis = sphericode.DefaultBitsPerAxis
	}
	return &Ledger{
		root:  dir,
		codec: opts.Codec,
		bits:  opts.BitsPerAxis,
		now:   time.Now,
	}
}

// BitsPerAxis returns the SpheriCode resolution the ledger folds with.
func (l *Ledger) BitsPerAxis() int { return l.bits }

func (l *Ledger) recordDir(ref refs.Ref) (string, error) {
	owner, id, err := refs.Parse(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, owner, id), nil
}

// Create writes a new record: its immutable metadata, the opening created
// event and the initial state projection. The meta ID is generated when
// empty. Returns ErrRecordExists if the record directory already exists.
func (l *Ledger) Create(ctx context.Context, meta RecordMeta, created CreatedPayload) (RecordMeta, RecordState, error) {
	if err := ctx.Err(); err != nil {
		return RecordMeta{}, RecordState{}, err
	}
	if meta.Owner == "" {
		return RecordMeta{}, RecordState{}, fmt.Errorf("%w: empty owner", ErrInvalidEvent)
	}
	if !meta.Category.Valid() {
		return RecordMeta{}, RecordState{}, fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, meta.Category)
	}
	if err := validatePayload(EventCreated, created); err != nil {
		return RecordMeta{}, RecordState{}, err
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = l.now().UTC()
	}

	ref := refs.New(meta.Owner, meta.ID)
	dir, err := l.recordDir(ref)
	if err != nil {
		return RecordMeta{}, RecordState{}, err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		return RecordMeta{}, RecordState{}, fmt.Errorf("%w: %s", ErrRecordExists, ref)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return RecordMeta{}, RecordState{}, fmt.Errorf("ledger: create %s: %w", ref, err)
	}

	metaData, err := l.codec.Marshal(meta)
	if err != nil {
		return RecordMeta{}, RecordState{}, fmt.Errorf("ledger: marshal meta: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), metaData); err != nil {
		return RecordMeta{}, RecordState{}, fmt.Errorf("ledger: write meta %s: %w", ref, err)
	}

	ev, err := l.newEvent(EventCreated, created, meta.CreatedAt, "")
	if err != nil {
		return RecordMeta{}, RecordState{}, err
	}
	state, err := l.appendLocked(dir, meta, ev)
	if err != nil {
		return RecordMeta{}, RecordState{}, err
	}
	return meta, state, nil
}

// Append validates the payload, appends one event to the record's log and
// refreshes the state projection. Returns the new state.
func (l *Ledger) Append(ctx context.Context, ref refs.Ref, typ EventType, payload any, actor string) (RecordState, error) {
	if err := ctx.Err(); err != nil {
		return RecordState{}, err
	}
	if err := validatePayload(typ, payload); err != nil {
		return RecordState{}, err
	}

	dir, err := l.recordDir(ref)
	if err != nil {
		return RecordState{}, err
	}
	meta, err := l.readMeta(dir, ref)
	if err != nil {
		return RecordState{}, err
	}

	ev, err := l.newEvent(typ, payload, l.now().UTC(), actor)
	if err != nil {
		return RecordState{}, err
	}
	return l.appendLocked(dir, meta, ev)
}

func (l *Ledger) newEvent(typ EventType, payload any, ts time.Time, actor string) (Event, error) {
	raw, err := l.codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal %s payload: %w", typ, err)
	}
	return Event{TS: ts, Type: typ, Actor: actor, Payload: raw}, nil
}

// appendLocked serializes the append under the record's advisory lock,
// refolds the full log and rewrites the state projection.
func (l *Ledger) appendLocked(dir string, meta RecordMeta, ev Event) (RecordState, error) {
	lock := flock.New(filepath.Join(dir, lockFile))
	if err := lock.Lock(); err != nil {
		return RecordState{}, fmt.Errorf("ledger: lock %s: %w", meta.ID, err)
	}
	defer lock.Unlock()

	events, err := l.readEvents(dir)
	if err != nil {
		return RecordState{}, err
	}
	events = append(events, ev)

	state, err := Fold(l.codec, l.bits, meta, events)
	if err != nil {
		return RecordState{}, err
	}

	line, err := l.codec.Marshal(ev)
	if err != nil {
		return RecordState{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	path := filepath.Join(dir, eventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return RecordState{}, fmt.Errorf("ledger: open events %s: %w", meta.ID, err)
	}
	if err := truncateTornTail(f); err != nil {
		f.Close()
		return RecordState{}, fmt.Errorf("ledger: append event %s: %w", meta.ID, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return RecordState{}, fmt.Errorf("ledger: append event %s: %w", meta.ID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return RecordState{}, fmt.Errorf("ledger: sync events %s: %w", meta.ID, err)
	}
	if err := f.Close(); err != nil {
		return RecordState{}, fmt.Errorf("ledger: close events %s: %w", meta.ID, err)
	}

	stateData, err := l.codec.Marshal(state)
	if err != nil {
		return RecordState{}, fmt.Errorf("ledger: marshal state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, stateFile), stateData); err != nil {
		return RecordState{}, fmt.Errorf("ledger: write state %s: %w", meta.ID, err)
	}
	return state, nil
}

// ReadMeta returns the record's immutable metadata.
func (l *Ledger) ReadMeta(ctx context.Context, ref refs.Ref) (RecordMeta, error) {
	if err := ctx.Err(); err != nil {
		return RecordMeta{}, err
	}
	dir, err := l.recordDir(ref)
	if err != nil {
		return RecordMeta{}, err
	}
	return l.readMeta(dir, ref)
}

func (l *Ledger) readMeta(dir string, ref refs.Ref) (RecordMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RecordMeta{}, fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
		}
		return RecordMeta{}, fmt.Errorf("ledger: read meta %s: %w", ref, err)
	}
	var meta RecordMeta
	if err := l.codec.Unmarshal(data, &meta); err != nil {
		return RecordMeta{}, fmt.Errorf("ledger: decode meta %s: %w", ref, err)
	}
	return meta, nil
}

// ReadState returns the cached state projection.
func (l *Ledger) ReadState(ctx context.Context, ref refs.Ref) (RecordState, error) {
	if err := ctx.Err(); err != nil {
		return RecordState{}, err
	}
	dir, err := l.recordDir(ref)
	if err != nil {
		return RecordState{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RecordState{}, fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
		}
		return RecordState{}, fmt.Errorf("ledger: read state %s: %w", ref, err)
	}
	var state RecordState
	if err := l.codec.Unmarshal(data, &state); err != nil {
		return RecordState{}, fmt.Errorf("ledger: decode state %s: %w", ref, err)
	}
	return state, nil
}

// FoldState recomputes the projection from the event log, bypassing the
// state cache, and rewrites the cache if it drifted.
func (l *Ledger) FoldState(ctx context.Context, ref refs.Ref) (RecordState, error) {
	if err := ctx.Err(); err != nil {
		return RecordState{}, err
	}
	dir, err := l.recordDir(ref)
	if err != nil {
		return RecordState{}, err
	}
	meta, err := l.readMeta(dir, ref)
	if err != nil {
		return RecordState{}, err
	}
	events, err := l.readEvents(dir)
	if err != nil {
		return RecordState{}, err
	}
	state, err := Fold(l.codec, l.bits, meta, events)
	if err != nil {
		return RecordState{}, err
	}
	stateData, err := l.codec.Marshal(state)
	if err != nil {
		return RecordState{}, fmt.Errorf("ledger: marshal state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, stateFile), stateData); err != nil {
		return RecordState{}, fmt.Errorf("ledger: write state %s: %w", ref, err)
	}
	return state, nil
}

// Events returns the record's full event log, archived segment included.
func (l *Ledger) Events(ctx context.Context, ref refs.Ref) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := l.recordDir(ref)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
		}
		return nil, fmt.Errorf("ledger: stat %s: %w", ref, err)
	}
	return l.readEvents(dir)
}

// readEvents reads the archived segment first, then the live ndjson file.
// A torn final line from an interrupted append is dropped; any earlier
// corruption is an error.
func (l *Ledger) readEvents(dir string) ([]Event, error) {
	var events []Event

	archPath := filepath.Join(dir, archiveFile)
	if f, err := os.Open(archPath); err == nil {
		zr, zerr := zstd.NewReader(f)
		if zerr != nil {
			f.Close()
			return nil, fmt.Errorf("ledger: open archive %s: %w", archPath, zerr)
		}
		events, err = l.scanEvents(zr.IOReadCloser(), events, false)
		zr.Close()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("ledger: archive %s: %w", archPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ledger: open archive %s: %w", archPath, err)
	}

	livePath := filepath.Join(dir, eventsFile)
	f, err := os.Open(livePath)
	if err != nil {
		if os.IsNotExist(err) {
			return events, nil
		}
		return nil, fmt.Errorf("ledger: open events %s: %w", livePath, err)
	}
	defer f.Close()

	events, err = l.scanEvents(f, events, true)
	if err != nil {
		return nil, fmt.Errorf("ledger: events %s: %w", livePath, err)
	}
	return events, nil
}

func (l *Ledger) scanEvents(r io.Reader, events []Event, tolerateTornTail bool) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	lineNo := 0
	var pendingErr error
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			// The corrupt line was not the tail after all.
			return nil, pendingErr
		}
		if !gjson.ValidBytes(line) || !gjson.GetBytes(line, "type").Exists() {
			err := fmt.Errorf("corrupt event at line %d", lineNo)
			if tolerateTornTail {
				pendingErr = err
				continue
			}
			return nil, err
		}
		var ev Event
		if err := l.codec.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode event at line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListRecords walks the ledger root and returns every record ref, sorted by
// the walk order (owner, then id).
func (l *Ledger) ListRecords(ctx context.Context) ([]refs.Ref, error) {
	owners, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: list %s: %w", l.root, err)
	}
	var out []refs.Ref
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := os.ReadDir(filepath.Join(l.root, owner.Name()))
		if err != nil {
			return nil, fmt.Errorf("ledger: list %s: %w", owner.Name(), err)
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(l.root, owner.Name(), id.Name(), metaFile)); err != nil {
				continue
			}
			out = append(out, refs.New(owner.Name(), id.Name()))
		}
	}
	return out, nil
}

// ArchiveEvents compresses the record's live event log into the zstd
// archive segment and truncates the live file. Typically called after a
// record reaches a terminal status. Reads through Events keep working.
func (l *Ledger) ArchiveEvents(ctx context.Context, ref refs.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := l.recordDir(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, ref)
		}
		return fmt.Errorf("ledger: stat %s: %w", ref, err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("ledger: lock %s: %w", ref, err)
	}
	defer lock.Unlock()

	events, err := l.readEvents(dir)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(dir, archiveFile+".tmp-")
	if err != nil {
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	tmpPath := tmp.Name()
	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	for _, ev := range events {
		line, err := l.codec.Marshal(ev)
		if err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("ledger: archive %s: %w", ref, err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("ledger: archive %s: %w", ref, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, archiveFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	if err := os.Remove(filepath.Join(dir, eventsFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger: archive %s: %w", ref, err)
	}
	return syncDir(dir)
}

func validatePayload(typ EventType, payload any) error {
	switch typ {
	case EventCreated:
		p, ok := payload.(CreatedPayload)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
		if !p.TradeMode.Valid() {
			return fmt.Errorf("%w: unknown trade mode %q", ErrInvalidEvent, p.TradeMode)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, p.Status)
		}
		if err := sphericode.Validate(p.Location.Lat, p.Location.Lon); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if p.Price.Value < 0 {
			return fmt.Errorf("%w: negative price", ErrInvalidEvent)
		}
	case EventPriceUpdated:
		p, ok := payload.(PricePayload)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
		if p.Price.Value < 0 {
			return fmt.Errorf("%w: negative price", ErrInvalidEvent)
		}
	case EventStatusUpdated:
		p, ok := payload.(StatusPayload)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, p.Status)
		}
	case EventTradeModeUpdated:
		p, ok := payload.(TradeModePayload)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
		if !p.TradeMode.Valid() {
			return fmt.Errorf("%w: unknown trade mode %q", ErrInvalidEvent, p.TradeMode)
		}
	case EventFieldUpdated:
		if _, ok := payload.(FieldPayload); !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
	case EventRelocated:
		p, ok := payload.(RelocatedPayload)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", ErrInvalidEvent, typ, payload)
		}
		if err := sphericode.Validate(p.Location.Lat, p.Location.Lon); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, typ)
	}
	return nil
}

// truncateTornTail drops a trailing partial line left by an interrupted
// append. Caller holds the record lock.
func truncateTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, size-1); err != nil {
		return err
	}
	if buf[0] == '\n' {
		return nil
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return err
	}
	cut := int64(bytes.LastIndexByte(data, '\n') + 1)
	return f.Truncate(cut)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
