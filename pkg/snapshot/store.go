package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"

	"github.com/saworbit/batchkeeper/pkg/chunk"
	"github.com/saworbit/batchkeeper/pkg/merkle"
)

const (
	blobPrefix = "blob:"
	refPrefix  = "ref:"
)

const compressionMagic = "BKZ1"

// Store keeps content-addressed copies of configuration files. Files are
// split into content-defined chunks, each chunk is compressed and stored
// under its CID, and a manifest records the chunk sequence plus a Merkle
// root over it.
type Store struct {
	db       *pebble.DB
	hashAlgo string
	params   chunk.Params

	// Guards read-modify-write cycles on reference counts.
	mu sync.Mutex
}

// Manifest describes one captured snapshot of a configuration file.
type Manifest struct {
	Job       string    `json:"job"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	CIDs      []string  `json:"cids"`
	Root      []byte    `json:"root"`
}

// RefCount tracks which jobs reference a stored chunk.
type RefCount struct {
	CID  string   `json:"cid"`
	Refs int      `json:"refs"`
	Jobs []string `json:"jobs"`
}

// Stats summarizes the state of the store.
type Stats struct {
	TotalObjects     int
	TotalSize        int64
	TotalRefs        int
	UniqueJobs       int
	UnreferencedObjs int
}

// NewStore creates a snapshot store on top of an open key-value database.
func NewStore(db *pebble.DB, hashAlgo string, params chunk.Params) (*Store, error) {
	switch hashAlgo {
	case "sha256", "blake3":
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", hashAlgo)
	}

	return &Store{
		db:       db,
		hashAlgo: hashAlgo,
		params:   params,
	}, nil
}

// HashAlgo reports the hash algorithm the store derives CIDs with.
func (s *Store) HashAlgo() string {
	return s.hashAlgo
}

// Capture chunks data, stores every chunk, and returns a manifest for the
// snapshot. Chunks already present are deduplicated. Each stored chunk
// gains a reference from job so it survives garbage collection.
func (s *Store) Capture(job string, data []byte) (Manifest, error) {
	m := Manifest{
		Job:       job,
		CreatedAt: time.Now().UTC(),
		Size:      int64(len(data)),
	}

	chunks, err := chunk.Split(data, s.params)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to chunk snapshot: %w", err)
	}

	if len(chunks) == 0 {
		// An empty file still gets a manifest, just one with no chunks.
		return m, nil
	}

	m.CIDs = make([]string, 0, len(chunks))
	for _, ch := range chunks {
		cid, err := s.chunkCID(ch)
		if err != nil {
			return Manifest{}, err
		}

		if _, err := s.putBlob(cid, ch.Data); err != nil {
			return Manifest{}, err
		}

		if err := s.AddReference(cid, job); err != nil {
			return Manifest{}, err
		}

		m.CIDs = append(m.CIDs, cid)
	}

	root, err := merkle.Root(m.CIDs)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to compute snapshot root: %w", err)
	}
	m.Root = root

	return m, nil
}

// Materialize reassembles the full file content described by a manifest.
func (s *Store) Materialize(m Manifest) ([]byte, error) {
	if len(m.CIDs) == 0 {
		return []byte{}, nil
	}

	parts := make([][]byte, 0, len(m.CIDs))
	for _, cid := range m.CIDs {
		data, err := s.Get(cid)
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
	}

	data := chunk.Reassemble(parts)
	if int64(len(data)) != m.Size {
		return nil, fmt.Errorf("reassembled %d bytes, manifest says %d", len(data), m.Size)
	}

	return data, nil
}

// Verify checks a manifest against the store: the Merkle root must match
// the CID sequence and every chunk must decompress to content that still
// hashes to its CID.
func (s *Store) Verify(m Manifest) error {
	if len(m.CIDs) == 0 {
		if len(m.Root) != 0 {
			return errors.New("manifest has a root but no chunks")
		}
		return nil
	}

	if err := merkle.VerifyChain(m.CIDs, m.Root); err != nil {
		return fmt.Errorf("manifest root mismatch: %w", err)
	}

	for i, cid := range m.CIDs {
		data, err := s.Get(cid)
		if err != nil {
			return fmt.Errorf("chunk %d unavailable: %w", i, err)
		}

		actual, err := s.computeCID(data)
		if err != nil {
			return err
		}

		if actual != cid {
			return fmt.Errorf("chunk %d corrupted: stored as %s, content hashes to %s", i, cid, actual)
		}
	}

	return nil
}

// Release drops the job's references to every chunk in the manifest.
// Chunks left with zero references become eligible for garbage collection.
func (s *Store) Release(m Manifest) error {
	for _, cid := range m.CIDs {
		if err := s.RemoveReference(cid, m.Job); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a whole object and returns its CID. Identical content is
// deduplicated.
func (s *Store) Put(data []byte) (string, error) {
	cid, err := s.computeCID(data)
	if err != nil {
		return "", err
	}

	if _, err := s.putBlob(cid, data); err != nil {
		return "", err
	}

	return cid, nil
}

// Get retrieves an object by CID.
func (s *Store) Get(cid string) ([]byte, error) {
	value, closer, err := s.db.Get(blobKey(cid))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("CID not found: %s", cid)
		}
		return nil, fmt.Errorf("failed to read CID %s: %w", cid, err)
	}

	stored := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}

	data, err := decompressBlob(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress CID %s: %w", cid, err)
	}

	return data, nil
}

// Has reports whether a CID exists in the store.
func (s *Store) Has(cid string) (bool, error) {
	_, closer, err := s.db.Get(blobKey(cid))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, closer.Close()
}

// Delete removes a CID from the store. Callers must check references
// first; GarbageCollect does this for the whole store.
func (s *Store) Delete(cid string) error {
	return s.db.Delete(blobKey(cid), pebble.NoSync)
}

// AddReference records that a job depends on a chunk. Adding the same
// job twice is a no-op.
func (s *Store) AddReference(cid, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.loadRefCount(cid)
	if err != nil {
		return err
	}
	if rc == nil {
		rc = &RefCount{CID: cid}
	}

	for _, j := range rc.Jobs {
		if j == job {
			return nil
		}
	}

	rc.Refs++
	rc.Jobs = append(rc.Jobs, job)

	return s.storeRefCount(rc)
}

// RemoveReference drops a job's reference to a chunk. When the last
// reference goes away the ref entry is deleted entirely.
func (s *Store) RemoveReference(cid, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.loadRefCount(cid)
	if err != nil {
		return err
	}
	if rc == nil {
		return nil
	}

	jobs := rc.Jobs[:0]
	found := false
	for _, j := range rc.Jobs {
		if j == job {
			found = true
			continue
		}
		jobs = append(jobs, j)
	}

	if !found {
		return nil
	}

	rc.Jobs = jobs
	rc.Refs--

	if rc.Refs <= 0 {
		return s.db.Delete(refKey(cid), pebble.NoSync)
	}

	return s.storeRefCount(rc)
}

// GetRefCount returns how many jobs reference a chunk.
func (s *Store) GetRefCount(cid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.loadRefCount(cid)
	if err != nil {
		return 0, err
	}
	if rc == nil {
		return 0, nil
	}
	return rc.Refs, nil
}

// GarbageCollect deletes every chunk with no remaining references and
// returns how many were removed.
func (s *Store) GarbageCollect() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unreferenced []string

	iter, err := newPrefixIter(s.db, blobPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan store: %w", err)
	}

	for iter.First(); iter.Valid(); iter.Next() {
		cid := string(iter.Key()[len(blobPrefix):])

		rc, err := s.loadRefCount(cid)
		if err != nil {
			iter.Close()
			return 0, err
		}

		if rc == nil || rc.Refs <= 0 {
			unreferenced = append(unreferenced, cid)
		}
	}

	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, cid := range unreferenced {
		if err := s.db.Delete(blobKey(cid), pebble.NoSync); err != nil {
			return deleted, fmt.Errorf("failed to delete CID %s: %w", cid, err)
		}
		deleted++
	}

	return deleted, nil
}

// GetStats walks the store and reports object and reference totals.
func (s *Store) GetStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats

	referenced := make(map[string]bool)
	jobSet := make(map[string]bool)

	refIter, err := newPrefixIter(s.db, refPrefix)
	if err != nil {
		return Stats{}, err
	}

	for refIter.First(); refIter.Valid(); refIter.Next() {
		var rc RefCount
		if err := json.Unmarshal(refIter.Value(), &rc); err != nil {
			refIter.Close()
			return Stats{}, fmt.Errorf("failed to unmarshal ref count: %w", err)
		}

		if rc.Refs > 0 {
			referenced[rc.CID] = true
			stats.TotalRefs += rc.Refs
			for _, j := range rc.Jobs {
				jobSet[j] = true
			}
		}
	}

	if err := refIter.Close(); err != nil {
		return Stats{}, err
	}

	stats.UniqueJobs = len(jobSet)

	blobIter, err := newPrefixIter(s.db, blobPrefix)
	if err != nil {
		return Stats{}, err
	}

	for blobIter.First(); blobIter.Valid(); blobIter.Next() {
		stats.TotalObjects++
		stats.TotalSize += int64(len(blobIter.Value()))

		cid := string(blobIter.Key()[len(blobPrefix):])
		if !referenced[cid] {
			stats.UnreferencedObjs++
		}
	}

	if err := blobIter.Close(); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

// computeCID hashes data with the configured algorithm and renders the
// multihash in base58.
func (s *Store) computeCID(data []byte) (string, error) {
	var hashType uint64

	switch s.hashAlgo {
	case "sha256":
		hashType = multihash.SHA2_256
	case "blake3":
		hashType = multihash.BLAKE3
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", s.hashAlgo)
	}

	mh, err := multihash.Sum(data, hashType, -1)
	if err != nil {
		return "", fmt.Errorf("failed to compute multihash: %w", err)
	}

	return mh.B58String(), nil
}

// chunkCID derives a chunk's CID. The chunker already carries a SHA256
// digest, so the sha256 algorithm wraps it instead of hashing twice.
func (s *Store) chunkCID(ch chunk.Chunk) (string, error) {
	if s.hashAlgo == "sha256" {
		encoded, err := multihash.Encode(ch.Ref.Hash[:], multihash.SHA2_256)
		if err != nil {
			return "", fmt.Errorf("failed to encode multihash: %w", err)
		}
		return multihash.Multihash(encoded).B58String(), nil
	}
	return s.computeCID(ch.Data)
}

// putBlob compresses and stores data under an already-computed CID. It
// returns the number of compressed bytes written, zero when the CID was
// already present.
func (s *Store) putBlob(cid string, data []byte) (int, error) {
	exists, err := s.Has(cid)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	compressed, err := compressBlob(data)
	if err != nil {
		return 0, fmt.Errorf("failed to compress object: %w", err)
	}

	if err := s.db.Set(blobKey(cid), compressed, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("failed to store CID %s: %w", cid, err)
	}

	return len(compressed), nil
}

func (s *Store) loadRefCount(cid string) (*RefCount, error) {
	value, closer, err := s.db.Get(refKey(cid))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ref count for %s: %w", cid, err)
	}

	stored := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}

	var rc RefCount
	if err := json.Unmarshal(stored, &rc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ref count: %w", err)
	}

	return &rc, nil
}

func (s *Store) storeRefCount(rc *RefCount) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to marshal ref count: %w", err)
	}
	return s.db.Set(refKey(rc.CID), data, pebble.NoSync)
}

func blobKey(cid string) []byte { return []byte(blobPrefix + cid) }
func refKey(cid string) []byte  { return []byte(refPrefix + cid) }

// newPrefixIter returns an iterator bounded to keys with the given prefix.
func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdInitErr     error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdInitErr = err
			return
		}
		zstdEncoder = enc
	})
	return zstdEncoder, zstdInitErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			zstdInitErr = err
			return
		}
		zstdDecoder = dec
	})
	return zstdDecoder, zstdInitErr
}

func compressBlob(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	dst := enc.EncodeAll(data, nil)
	return append([]byte(compressionMagic), dst...), nil
}

func decompressBlob(data []byte) ([]byte, error) {
	if len(data) < len(compressionMagic) || !bytes.Equal(data[:len(compressionMagic)], []byte(compressionMagic)) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
