package aperture

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/blake3"

	"aperture/internal/asset"
)

// codecTag names the compression applied to a stored entry. The values
// are persisted in entry metadata.
type codecTag uint8

const (
	codecNone codecTag = 0
	codecLZ4  codecTag = 1
	codecZstd codecTag = 2
)

func (t codecTag) String() string {
	switch t {
	case codecNone:
		return "none"
	case codecLZ4:
		return "lz4"
	case codecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func parseCodec(s string) (codecTag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return codecNone, nil
	case "lz4":
		return codecLZ4, nil
	case "zstd":
		return codecZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	metaEnc cbor.EncMode
	metaDec cbor.DecMode
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("aperture: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("aperture: zstd decoder initialization failed: " + err.Error())
	}
	metaEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("aperture: CBOR encoder initialization failed: " + err.Error())
	}
	metaDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("aperture: CBOR decoder initialization failed: " + err.Error())
	}
}

// compress returns data encoded with tag, falling back to codecNone
// when the codec does not shrink it.
func compress(data []byte, tag codecTag) ([]byte, codecTag) {
	switch tag {
	case codecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil || n == 0 || n >= len(data) {
			return data, codecNone
		}
		return dst[:n], codecLZ4
	case codecZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, codecNone
		}
		return out, codecZstd
	default:
		return data, codecNone
	}
}

func decompress(b []byte, tag codecTag, rawSize int) ([]byte, error) {
	switch tag {
	case codecNone:
		if len(b) != rawSize {
			return nil, fmt.Errorf("stored size %d, expected %d", len(b), rawSize)
		}
		return b, nil
	case codecLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(b, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case codecZstd:
		out, err := zstdDecoder.DecodeAll(b, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", tag)
	}
}

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

// diskMeta is kept in memory for every stored entry and persisted
// under m:<id>.
type diskMeta struct {
	Size       int64    `cbor:"1,keyasint"`
	RawSize    int      `cbor:"2,keyasint"`
	LastAccess int64    `cbor:"3,keyasint"`
	Sum        [32]byte `cbor:"4,keyasint"`
	Codec      codecTag `cbor:"5,keyasint"`
}

type diskOp struct {
	put   asset.Asset
	touch string
	del   string
}

// diskTier is the leveldb-backed second cache level. Reads go straight
// to leveldb; writes, touches and deletes are applied by one writer
// goroutine.
type diskTier struct {
	maxBytes int64
	codec    codecTag
	log      *slog.Logger
	overflow *rateLimitedLogger
	now      func() time.Time

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	closed    bool

	ops  chan diskOp
	done chan struct{}
}

func openDiskTier(path string, maxBytes int64, codec codecTag, log *slog.Logger) (*diskTier, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open disk cache %s: %w", path, err)
	}
	d := &diskTier{
		maxBytes: maxBytes,
		codec:    codec,
		log:      log,
		overflow: newRateLimitedLogger(log, time.Minute),
		now:      time.Now,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskTier) close() {
	d.mu.Lock()
	d.closed = true
	close(d.ops)
	d.mu.Unlock()
	<-d.done
	_ = d.db.Close()
}

func (d *diskTier) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := metaDec.Unmarshal(it.Value(), &meta); err != nil {
			d.log.Warn("skipping unreadable disk cache metadata", slog.String("id", id), slog.Any("err", err))
			continue
		}
		idx[id] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskTier) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskTier) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskTier) Has(id string) bool {
	d.mu.Lock()
	_, ok := d.index[id]
	d.mu.Unlock()
	return ok
}

// Get loads id from disk. Entries that fail decompression, the
// checksum or container validation are deleted and reported as misses.
func (d *diskTier) Get(id string) (asset.Asset, bool) {
	d.mu.Lock()
	meta, ok := d.index[id]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	b, err := d.db.Get(entryKey(id), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			d.log.Warn("disk cache read failed", slog.String("id", id), slog.Any("err", err))
		}
		return nil, false
	}

	a, err := d.verify(b, meta)
	if err != nil {
		d.log.Warn("dropping corrupt disk cache entry", slog.String("id", id), slog.Any("err", err))
		d.send(diskOp{del: id})
		return nil, false
	}
	d.send(diskOp{touch: id})
	return a, true
}

func (d *diskTier) verify(stored []byte, meta diskMeta) (*asset.Container, error) {
	raw, err := decompress(stored, meta.Codec, meta.RawSize)
	if err != nil {
		return nil, err
	}
	if blake3.Sum256(raw) != meta.Sum {
		return nil, errors.New("checksum mismatch")
	}
	return asset.Decode(raw)
}

// PutAsync queues a for storage. Writes are dropped, with a rate
// limited warning, when the writer is saturated.
func (d *diskTier) PutAsync(a asset.Asset) {
	if !d.send(diskOp{put: a}) {
		d.overflow.Warn("disk cache write queue full, dropping entry", slog.String("id", a.ID()))
	}
}

func (d *diskTier) Delete(id string) {
	d.send(diskOp{del: id})
}

func (d *diskTier) send(op diskOp) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.ops <- op:
		return true
	default:
		return false
	}
}

func (d *diskTier) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.del != "":
			d.applyDelete(op.del)
		case op.touch != "":
			d.applyTouch(op.touch)
		case op.put != nil:
			if err := d.applyPut(op.put); err != nil {
				d.log.Warn("disk cache write failed", slog.String("id", op.put.ID()), slog.Any("err", err))
			}
		}
	}
}

func entryKey(id string) []byte { return append(slices.Clip(entryPrefix), id...) }

func metaKey(id string) []byte { return append(slices.Clip(metaPrefix), id...) }

func (d *diskTier) applyPut(a asset.Asset) error {
	raw, err := asset.Encoded(a)
	if err != nil {
		return err
	}
	stored, tag := compress(raw, d.codec)
	id := a.ID()
	meta := diskMeta{
		Size:       int64(len(stored)),
		RawSize:    len(raw),
		LastAccess: d.now().Unix(),
		Sum:        blake3.Sum256(raw),
		Codec:      tag,
	}
	mb, err := metaEnc.Marshal(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(id), stored)
	batch.Put(metaKey(id), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.index[id]; ok {
		d.totalSize -= old.Size
	}
	d.index[id] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

func (d *diskTier) applyTouch(id string) {
	d.mu.Lock()
	meta, ok := d.index[id]
	if ok {
		meta.LastAccess = d.now().Unix()
		d.index[id] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := metaEnc.Marshal(meta)
	if err != nil {
		return
	}
	_ = d.db.Put(metaKey(id), mb, nil)
}

func (d *diskTier) applyDelete(id string) {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(id))
	batch.Delete(metaKey(id))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		d.totalSize -= meta.Size
		delete(d.index, id)
	}
	d.mu.Unlock()
}

// evictSome deletes the least recently accessed tenth of the entries,
// and keeps going until the tier is back under its limit.
func (d *diskTier) evictSome() {
	type aged struct {
		id   string
		last int64
	}
	d.mu.Lock()
	items := make([]aged, 0, len(d.index))
	for id, m := range d.index {
		items = append(items, aged{id, m.LastAccess})
	}
	d.mu.Unlock()

	slices.SortFunc(items, func(a, b aged) int {
		return cmp.Or(cmp.Compare(a.last, b.last), strings.Compare(a.id, b.id))
	})

	n := max(len(items)/10, 1)
	for i, it := range items {
		if i >= n && d.TotalSize() <= d.maxBytes {
			break
		}
		d.applyDelete(it.id)
	}
}
