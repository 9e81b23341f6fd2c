package kvstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/epbucket/compressors"
	"github.com/INLOpen/epbucket/core"
)

const (
	recDoc    byte = 1
	recDelete byte = 2
	recState  byte = 3
)

// LogOptions configures a LogKVStore.
type LogOptions struct {
	Dir string

	// Compressor encodes document values at rest. Defaults to snappy.
	Compressor core.Compressor

	// NoSync skips the fsync after each Commit. Defaults to false (every
	// Commit syncs); set it only for benchmarks.
	NoSync bool

	Logger *slog.Logger
}

// logVBucket pairs the in-memory mirror with the open segment file.
type logVBucket struct {
	*memoryVBucket
	file *os.File
	path string
}

// LogKVStore is a per-vBucket append-only log store. Every Commit appends
// the batch's records plus the vbucket state and syncs; opening a store
// replays the logs into an in-memory mirror, tolerating a torn tail.
// Compaction rewrites a vBucket's live records into a fresh log using the
// write-and-rename strategy.
type LogKVStore struct {
	mu       sync.RWMutex
	dir      string
	vbuckets map[core.Vbid]*logVBucket

	compressor core.Compressor
	noSync     bool
	logger     *slog.Logger
}

var _ KVStore = (*LogKVStore)(nil)

// OpenLogKVStore opens (or creates) the store directory and replays any
// existing vBucket logs.
func OpenLogKVStore(opts LogOptions) (*LogKVStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kvstore directory %s: %w", opts.Dir, err)
	}
	s := &LogKVStore{
		dir:        opts.Dir,
		vbuckets:   make(map[core.Vbid]*logVBucket),
		compressor: opts.Compressor,
		noSync:     opts.NoSync,
		logger:     opts.Logger.With("component", "LogKVStore"),
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("read kvstore directory: %w", err)
	}
	for _, e := range entries {
		var id uint16
		if _, err := fmt.Sscanf(e.Name(), "vb-%d.log", &id); err != nil {
			continue
		}
		if err := s.openVBucket(core.Vbid(id)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *LogKVStore) vbPath(vbid core.Vbid) string {
	return filepath.Join(s.dir, fmt.Sprintf("vb-%d.log", uint16(vbid)))
}

func (s *LogKVStore) openVBucket(vbid core.Vbid) error {
	path := s.vbPath(vbid)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open vbucket log %s: %w", path, err)
	}
	v := &logVBucket{memoryVBucket: newMemoryVBucket(), file: file, path: path}
	valid, err := s.replay(file, v)
	if err != nil {
		file.Close()
		return err
	}
	// Drop a torn tail so the next append starts at a clean boundary.
	if err := file.Truncate(valid); err != nil {
		file.Close()
		return fmt.Errorf("truncate torn tail of %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return err
	}
	s.vbuckets[vbid] = v
	return nil
}

// replay applies every intact record and returns the byte offset just past
// the last one.
func (s *LogKVStore) replay(file *os.File, v *logVBucket) (validEnd int64, err error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var offset int64
	var header [8]byte
	for {
		if _, err := io.ReadFull(file, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, err
		}
		bodyLen := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(file, body); err != nil {
			return offset, nil // torn record
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			s.logger.Warn("dropping records after checksum mismatch", "offset", offset)
			return offset, nil
		}
		if err := s.applyRecord(v, body); err != nil {
			return 0, err
		}
		offset += int64(len(header)) + int64(bodyLen)
	}
}

func (s *LogKVStore) applyRecord(v *logVBucket, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty record body")
	}
	payload := body[1:]
	switch body[0] {
	case recDoc:
		doc, err := s.decodeDoc(payload)
		if err != nil {
			return err
		}
		v.docs[string(doc.Key)] = doc
		v.bySeqno.Insert(doc.BySeqno, doc)
	case recDelete:
		v.removeDoc(payload)
	case recState:
		var st VBucketState
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("decode vbucket state: %w", err)
		}
		v.state = &st
	default:
		return fmt.Errorf("unknown record type %d", body[0])
	}
	return nil
}

func (v *memoryVBucket) removeDoc(key []byte) {
	delete(v.docs, string(key))
}

func (s *LogKVStore) encodeDoc(buf *bytes.Buffer, doc *Document) error {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(doc.Key)))
	buf.Write(scratch[:n])
	buf.Write(doc.Key)

	var compressed bytes.Buffer
	if err := s.compressor.CompressTo(&compressed, doc.Value); err != nil {
		return err
	}

	var meta [28]byte
	meta[0] = byte(doc.Datatype)
	meta[1] = byte(doc.State)
	if doc.Deleted {
		meta[2] = 1
	}
	meta[3] = byte(doc.Level)
	binary.LittleEndian.PutUint32(meta[4:8], doc.Flags)
	binary.LittleEndian.PutUint32(meta[8:12], doc.Expiry)
	binary.LittleEndian.PutUint64(meta[12:20], doc.Cas)
	binary.LittleEndian.PutUint64(meta[20:28], doc.BySeqno)
	buf.Write(meta[:])

	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], doc.RevSeqno)
	buf.Write(rev[:])

	n = binary.PutUvarint(scratch[:], uint64(compressed.Len()))
	buf.Write(scratch[:n])
	buf.Write(compressed.Bytes())
	return nil
}

func (s *LogKVStore) decodeDoc(payload []byte) (*Document, error) {
	r := bytes.NewReader(payload)
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("decode doc key length: %w", err)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	var meta [28]byte
	if _, err := io.ReadFull(r, meta[:]); err != nil {
		return nil, err
	}
	var rev [8]byte
	if _, err := io.ReadFull(r, rev[:]); err != nil {
		return nil, err
	}
	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, valLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	rc, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	value, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	rc.Close()

	return &Document{
		Key:      DiskDocKey(key),
		Value:    value,
		Datatype: core.Datatype(meta[0]),
		State:    core.CommittedState(meta[1]),
		Deleted:  meta[2] == 1,
		Level:    core.Level(meta[3]),
		Flags:    binary.LittleEndian.Uint32(meta[4:8]),
		Expiry:   binary.LittleEndian.Uint32(meta[8:12]),
		Cas:      binary.LittleEndian.Uint64(meta[12:20]),
		BySeqno:  binary.LittleEndian.Uint64(meta[20:28]),
		RevSeqno: binary.LittleEndian.Uint64(rev[:]),
	}, nil
}

func writeRecord(w io.Writer, recType byte, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = recType
	copy(body[1:], payload)
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Commit implements KVStore.
func (s *LogKVStore) Commit(vbid core.Vbid, batch *FlushBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		if err := s.openVBucket(vbid); err != nil {
			return err
		}
		v = s.vbuckets[vbid]
	}

	var out bytes.Buffer
	for _, doc := range batch.Sets {
		var payload bytes.Buffer
		if err := s.encodeDoc(&payload, doc); err != nil {
			return err
		}
		if err := writeRecord(&out, recDoc, payload.Bytes()); err != nil {
			return err
		}
	}
	for _, key := range batch.Deletes {
		if err := writeRecord(&out, recDelete, key); err != nil {
			return err
		}
	}
	if batch.State != nil {
		payload, err := json.Marshal(batch.State)
		if err != nil {
			return err
		}
		if err := writeRecord(&out, recState, payload); err != nil {
			return err
		}
	}

	if _, err := v.file.Write(out.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", v.path, err)
	}
	if !s.noSync {
		if err := v.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", v.path, err)
		}
	}

	for _, doc := range batch.Sets {
		v.docs[string(doc.Key)] = doc
		v.bySeqno.Insert(doc.BySeqno, doc)
	}
	for _, key := range batch.Deletes {
		delete(v.docs, string(key))
	}
	if batch.State != nil {
		v.state = batch.State.Clone()
	}
	return nil
}

// Get implements KVStore.
func (s *LogKVStore) Get(vbid core.Vbid, key DiskDocKey) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	doc, ok := v.docs[string(key)]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return doc, nil
}

// GetVBucketState implements KVStore.
func (s *LogKVStore) GetVBucketState(vbid core.Vbid) (*VBucketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vbuckets[vbid]
	if !ok || v.state == nil {
		return nil, core.ErrKeyNotFound
	}
	return v.state.Clone(), nil
}

// ScanBySeqno implements KVStore.
func (s *LogKVStore) ScanBySeqno(vbid core.Vbid, start, end uint64, fn ScanFn) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		return nil
	}
	v.bySeqno.Range(func(seqno uint64, doc *Document) bool {
		if seqno < start {
			return true
		}
		if seqno > end {
			return false
		}
		if v.isLive(doc) && !fn(doc) {
			return false
		}
		return true
	})
	return nil
}

// Compact implements KVStore: rewrites the vBucket's live records into a
// fresh log, expiring committed documents and purging old tombstones.
// Prepared-space records are copied verbatim and never expired.
func (s *LogKVStore) Compact(vbid core.Vbid, cfg CompactionConfig, cb CompactionCallbacks) (CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		return CompactionResult{}, nil
	}

	var res CompactionResult
	rebuilt := newMemoryVBucket()
	for key, doc := range v.docs {
		if DiskDocKey(key).IsCommitted() {
			if doc.Deleted && doc.BySeqno < cfg.PurgeBeforeSeqno {
				res.PurgedCount++
				if doc.BySeqno > res.PurgeSeqno {
					res.PurgeSeqno = doc.BySeqno
				}
				if cb.OnPurged != nil {
					cb.OnPurged(doc.Key)
				}
				continue
			}
			if !doc.Deleted && doc.Expiry != 0 && doc.Expiry <= cfg.Now {
				res.ExpiredCount++
				if cb.OnExpired != nil {
					cb.OnExpired(doc)
				}
			}
		}
		rebuilt.docs[key] = doc
		rebuilt.bySeqno.Insert(doc.BySeqno, doc)
	}
	rebuilt.state = v.state
	if rebuilt.state != nil && res.PurgeSeqno > rebuilt.state.PurgeSeqno {
		rebuilt.state = rebuilt.state.Clone()
		rebuilt.state.PurgeSeqno = res.PurgeSeqno
	}

	// Write-and-rename: new log alongside, fsync, atomic swap.
	tmpPath := v.path + ".compact"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return res, fmt.Errorf("create compaction file: %w", err)
	}
	var out bytes.Buffer
	for _, doc := range rebuilt.docs {
		var payload bytes.Buffer
		if err := s.encodeDoc(&payload, doc); err != nil {
			tmp.Close()
			return res, err
		}
		if err := writeRecord(&out, recDoc, payload.Bytes()); err != nil {
			tmp.Close()
			return res, err
		}
	}
	if rebuilt.state != nil {
		payload, err := json.Marshal(rebuilt.state)
		if err != nil {
			tmp.Close()
			return res, err
		}
		if err := writeRecord(&out, recState, payload); err != nil {
			tmp.Close()
			return res, err
		}
	}
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return res, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return res, err
	}
	if err := tmp.Close(); err != nil {
		return res, err
	}
	if err := os.Rename(tmpPath, v.path); err != nil {
		return res, fmt.Errorf("swap compacted log: %w", err)
	}

	v.file.Close()
	file, err := os.OpenFile(v.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return res, err
	}
	s.vbuckets[vbid] = &logVBucket{memoryVBucket: rebuilt, file: file, path: v.path}
	s.logger.Info("compacted vbucket log", "vb", vbid,
		"expired", res.ExpiredCount, "purged", res.PurgedCount)
	return res, nil
}

// Rollback implements KVStore.
func (s *LogKVStore) Rollback(vbid core.Vbid, target uint64) (RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		return RollbackResult{Success: true}, nil
	}
	rebuilt := newMemoryVBucket()
	if target > 0 {
		v.bySeqno.Range(func(seqno uint64, doc *Document) bool {
			if seqno > target {
				return true
			}
			cur, ok := rebuilt.docs[string(doc.Key)]
			if !ok || doc.BySeqno > cur.BySeqno {
				rebuilt.docs[string(doc.Key)] = doc
			}
			rebuilt.bySeqno.Insert(seqno, doc)
			return true
		})
		rebuilt.state = v.state
		if rebuilt.state != nil {
			rebuilt.state = rebuilt.state.Clone()
			rebuilt.state.HighSeqno = target
		}
	}

	v.file.Close()
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return RollbackResult{}, err
	}
	file, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return RollbackResult{}, err
	}
	lv := &logVBucket{memoryVBucket: rebuilt, file: file, path: v.path}
	s.vbuckets[vbid] = lv

	// Re-persist the retained records.
	var batch FlushBatch
	for _, doc := range rebuilt.docs {
		batch.Sets = append(batch.Sets, doc)
	}
	batch.State = rebuilt.state
	if len(batch.Sets) > 0 || batch.State != nil {
		var out bytes.Buffer
		for _, doc := range batch.Sets {
			var payload bytes.Buffer
			if err := s.encodeDoc(&payload, doc); err != nil {
				return RollbackResult{}, err
			}
			if err := writeRecord(&out, recDoc, payload.Bytes()); err != nil {
				return RollbackResult{}, err
			}
		}
		if batch.State != nil {
			payload, err := json.Marshal(batch.State)
			if err != nil {
				return RollbackResult{}, err
			}
			if err := writeRecord(&out, recState, payload); err != nil {
				return RollbackResult{}, err
			}
		}
		if _, err := file.Write(out.Bytes()); err != nil {
			return RollbackResult{}, err
		}
		if !s.noSync {
			if err := file.Sync(); err != nil {
				return RollbackResult{}, err
			}
		}
	}
	if target == 0 {
		return RollbackResult{Success: false}, nil
	}
	return RollbackResult{Success: true, HighSeqno: target}, nil
}

// DeleteVBucket implements KVStore.
func (s *LogKVStore) DeleteVBucket(vbid core.Vbid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vbuckets[vbid]
	if !ok {
		return nil
	}
	v.file.Close()
	delete(s.vbuckets, vbid)
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListVBuckets implements KVStore.
func (s *LogKVStore) ListVBuckets() []core.Vbid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Vbid, 0, len(s.vbuckets))
	for vbid, v := range s.vbuckets {
		if v.state != nil {
			out = append(out, vbid)
		}
	}
	return out
}

// Close implements KVStore.
func (s *LogKVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, v := range s.vbuckets {
		if err := v.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.vbuckets = make(map[core.Vbid]*logVBucket)
	return firstErr
}
