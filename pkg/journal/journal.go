// Package journal persists the history of wrapped batch runs. Raw events
// land under a time-ordered log prefix and a background worker folds them
// into per-job snapshot and tamper records, while finished runs are
// written directly as run records.
package journal

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/saworbit/batchkeeper/pkg/snapshot"
)

const (
	// PrefixLog holds raw events awaiting the processor.
	PrefixLog = "log:"
	// PrefixRun holds one record per finished wrapper run.
	PrefixRun = "run:"
	// PrefixSnap holds snapshot records with delta statistics.
	PrefixSnap = "snap:"
	// PrefixTamper holds config modifications observed while locked.
	PrefixTamper = "tamper:"
)

// Event kinds understood by the processor.
const (
	KindSnapshot = "snapshot"
	KindTamper   = "tamper"
)

// Run outcomes recorded after a wrapper run.
const (
	OutcomeSucceeded     = "succeeded"
	OutcomeChildFailed   = "child-failed"
	OutcomeLockFailed    = "lock-failed"
	OutcomeRestoreFailed = "restore-failed"
)

// Event is a raw journal entry captured for later processing.
type Event struct {
	Timestamp int64  `json:"ts"` // Nanoseconds
	Kind      string `json:"kind"`
	Job       string `json:"job"`
	Path      string `json:"path"`
	Op        string `json:"op,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// RunRecord is the folded outcome of one wrapper run.
type RunRecord struct {
	Job          string   `json:"job"`
	StartedAt    int64    `json:"started_at"` // Nanoseconds
	FinishedAt   int64    `json:"finished_at"`
	Command      []string `json:"command"`
	ConfigPath   string   `json:"config_path"`
	Policy       string   `json:"policy"`
	ExitCode     int      `json:"exit_code"`
	Outcome      string   `json:"outcome"`
	Restored     bool     `json:"restored"`
	Error        string   `json:"error,omitempty"`
	SnapshotRoot string   `json:"snapshot_root,omitempty"` // Hex Merkle root, when captured
}

// ID returns the run identifier derived from the start time.
func (r RunRecord) ID() string {
	return fmt.Sprintf("%020d", r.StartedAt)
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return time.Duration(r.FinishedAt - r.StartedAt)
}

// DeltaInfo describes the binary delta from the previous snapshot of the
// same job. The first snapshot carries a full-content patch.
type DeltaInfo struct {
	Algorithm string  `json:"algorithm"`
	CID       string  `json:"cid"`
	OldSize   int     `json:"old_size"`
	NewSize   int     `json:"new_size"`
	PatchSize int     `json:"patch_size"`
	Ratio     float64 `json:"ratio"`
}

// SnapshotRecord links a job to a captured config manifest plus the delta
// computed against the previous capture.
type SnapshotRecord struct {
	Job       string            `json:"job"`
	Timestamp int64             `json:"ts"`
	Manifest  snapshot.Manifest `json:"manifest"`
	Delta     *DeltaInfo        `json:"delta,omitempty"`
}

// TamperRecord marks a modification of the config file while it was
// supposed to be locked read-only.
type TamperRecord struct {
	Job       string `json:"job"`
	Path      string `json:"path"`
	Op        string `json:"op"`
	Timestamp int64  `json:"ts"`
}

// Journal appends events and records to Pebble using time-ordered prefixes.
type Journal struct {
	db *pebble.DB
}

// NewJournal creates a journal bound to the provided Pebble instance.
func NewJournal(db *pebble.DB) *Journal {
	return &Journal{db: db}
}

// AppendEvent queues a raw event for the processor. The key embeds the
// event timestamp plus a random suffix so bursts never collide.
func (j *Journal) AppendEvent(event Event) error {
	if j == nil || j.db == nil {
		return errors.New("journal database is not initialized")
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}

	suffix, err := randomSuffix()
	if err != nil {
		return fmt.Errorf("generate journal key: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d:%s", PrefixLog, event.Timestamp, suffix))

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, payload, pebble.NoSync); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("commit journal event: %w", err)
	}

	return nil
}

// AppendSnapshot queues a snapshot event carrying the captured manifest.
func (j *Journal) AppendSnapshot(job string, m snapshot.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal snapshot manifest: %w", err)
	}

	return j.AppendEvent(Event{
		Kind: KindSnapshot,
		Job:  job,
		Data: data,
	})
}

// AppendTamper queues a tamper event observed by the config watcher.
func (j *Journal) AppendTamper(job, path, op string) error {
	return j.AppendEvent(Event{
		Kind: KindTamper,
		Job:  job,
		Path: path,
		Op:   op,
	})
}

// RecordRun persists the outcome of a finished run. Run records skip the
// log stage since the runner already knows the complete result.
func (j *Journal) RecordRun(rec RunRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal database is not initialized")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%s:%020d", PrefixRun, rec.Job, rec.StartedAt))

	if err := j.db.Set(key, payload, pebble.Sync); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	return nil
}

// RecordSnapshot persists a folded snapshot record. The processor calls
// this after computing the delta; archive imports call it directly.
func (j *Journal) RecordSnapshot(rec SnapshotRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal database is not initialized")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot record: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%s:%020d", PrefixSnap, rec.Job, rec.Timestamp))

	if err := j.db.Set(key, payload, pebble.Sync); err != nil {
		return fmt.Errorf("write snapshot record: %w", err)
	}

	return nil
}

// RecordTamper persists a folded tamper record.
func (j *Journal) RecordTamper(rec TamperRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal database is not initialized")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tamper record: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%s:%020d", PrefixTamper, rec.Job, rec.Timestamp))

	if err := j.db.Set(key, payload, pebble.Sync); err != nil {
		return fmt.Errorf("write tamper record: %w", err)
	}

	return nil
}

// Runs returns the recorded runs for a job in start-time order. An empty
// job returns every run.
func (j *Journal) Runs(job string) ([]RunRecord, error) {
	prefix := PrefixRun
	if job != "" {
		prefix = PrefixRun + job + ":"
	}

	var runs []RunRecord
	err := j.scan(prefix, func(_, value []byte) error {
		var rec RunRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode run record: %w", err)
		}
		runs = append(runs, rec)
		return nil
	})

	return runs, err
}

// Snapshots returns the snapshot records for a job in capture order.
func (j *Journal) Snapshots(job string) ([]SnapshotRecord, error) {
	prefix := PrefixSnap
	if job != "" {
		prefix = PrefixSnap + job + ":"
	}

	var snaps []SnapshotRecord
	err := j.scan(prefix, func(_, value []byte) error {
		var rec SnapshotRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode snapshot record: %w", err)
		}
		snaps = append(snaps, rec)
		return nil
	})

	return snaps, err
}

// LatestSnapshot returns a job's most recent snapshot record, with ok
// false when the job has none.
func (j *Journal) LatestSnapshot(job string) (SnapshotRecord, bool, error) {
	if j == nil || j.db == nil {
		return SnapshotRecord{}, false, errors.New("journal database is not initialized")
	}

	iter, err := newPrefixIter(j.db, PrefixSnap+job+":")
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return SnapshotRecord{}, false, iter.Error()
	}

	var rec SnapshotRecord
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("decode snapshot record: %w", err)
	}

	return rec, true, nil
}

// Tampers returns the tamper records for a job in observation order.
func (j *Journal) Tampers(job string) ([]TamperRecord, error) {
	prefix := PrefixTamper
	if job != "" {
		prefix = PrefixTamper + job + ":"
	}

	var tampers []TamperRecord
	err := j.scan(prefix, func(_, value []byte) error {
		var rec TamperRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode tamper record: %w", err)
		}
		tampers = append(tampers, rec)
		return nil
	})

	return tampers, err
}

// PendingEvents counts log entries the processor has not folded yet.
func (j *Journal) PendingEvents() (int, error) {
	count := 0
	err := j.scan(PrefixLog, func(_, _ []byte) error {
		count++
		return nil
	})
	return count, err
}

func (j *Journal) scan(prefix string, fn func(key, value []byte) error) error {
	if j == nil || j.db == nil {
		return errors.New("journal database is not initialized")
	}

	iter, err := newPrefixIter(j.db, prefix)
	if err != nil {
		return err
	}

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}

	return iter.Close()
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func randomSuffix() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
