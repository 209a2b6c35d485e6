package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/saworbit/batchkeeper/internal/metrics"
	"github.com/saworbit/batchkeeper/pkg/delta"
	"github.com/saworbit/batchkeeper/pkg/snapshot"
)

// StartProcessor launches a background worker that drains queued events
// into snapshot and tamper records. Snapshot events get a binary delta
// computed against the job's previous capture. The returned stop
// function waits for the worker to finish its current event, so a
// Drain right after it cannot fold the same event twice.
func StartProcessor(j *Journal, store *snapshot.Store, engine delta.Engine) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		processorLoop(ctx, j, store, engine)
	}()

	return func() {
		cancel()
		<-done
	}
}

func processorLoop(ctx context.Context, j *Journal, store *snapshot.Store, engine delta.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed := false
		iter, err := newPrefixIter(j.db, PrefixLog)
		if err != nil {
			log.Printf("[processor] iterator init error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for iter.First(); iter.Valid(); iter.Next() {
			processed = true

			logKey := append([]byte(nil), iter.Key()...)
			payload := append([]byte(nil), iter.Value()...)

			if err := processEvent(j, store, engine, logKey, payload); err != nil {
				log.Printf("[processor] failed to handle event %s: %v", string(logKey), err)
			}
		}

		if err := iter.Close(); err != nil {
			log.Printf("[processor] iterator close error: %v", err)
		}

		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// Drain processes every queued event synchronously. The wrapper calls it
// before exit so short-lived runs never lose events to the poll interval.
func Drain(j *Journal, store *snapshot.Store, engine delta.Engine) error {
	iter, err := newPrefixIter(j.db, PrefixLog)
	if err != nil {
		return fmt.Errorf("drain iterator: %w", err)
	}

	type pending struct {
		key     []byte
		payload []byte
	}
	var events []pending

	for iter.First(); iter.Valid(); iter.Next() {
		events = append(events, pending{
			key:     append([]byte(nil), iter.Key()...),
			payload: append([]byte(nil), iter.Value()...),
		})
	}

	if err := iter.Close(); err != nil {
		return err
	}

	for _, ev := range events {
		if err := processEvent(j, store, engine, ev.key, ev.payload); err != nil {
			return err
		}
	}

	return nil
}

func processEvent(j *Journal, store *snapshot.Store, engine delta.Engine, logKey, payload []byte) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("processor requires an initialized journal")
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch event.Kind {
	case KindSnapshot:
		if err := foldSnapshot(j, store, engine, event); err != nil {
			return err
		}
	case KindTamper:
		if err := foldTamper(j, event); err != nil {
			return err
		}
	default:
		// Unknown kinds are dropped rather than wedging the queue.
		log.Printf("[processor] dropping event with unknown kind %q", event.Kind)
	}

	if err := j.db.Delete(logKey, pebble.Sync); err != nil {
		return fmt.Errorf("delete event key: %w", err)
	}

	return nil
}

func foldSnapshot(j *Journal, store *snapshot.Store, engine delta.Engine, event Event) error {
	if store == nil || engine == nil {
		return fmt.Errorf("snapshot events require a store and delta engine")
	}

	var m snapshot.Manifest
	if err := json.Unmarshal(event.Data, &m); err != nil {
		return fmt.Errorf("decode snapshot manifest: %w", err)
	}

	newData, err := store.Materialize(m)
	if err != nil {
		return fmt.Errorf("materialize new snapshot: %w", err)
	}

	// The first snapshot of a job diffs against empty content, which the
	// engine stores as a full copy.
	var oldData []byte
	if prev, ok, err := j.LatestSnapshot(event.Job); err != nil {
		return err
	} else if ok {
		oldData, err = store.Materialize(prev.Manifest)
		if err != nil {
			return fmt.Errorf("materialize previous snapshot: %w", err)
		}
	}

	patch, err := engine.Compute(oldData, newData)
	if err != nil {
		return fmt.Errorf("compute snapshot delta: %w", err)
	}

	patchCID, err := store.Put(patch)
	if err != nil {
		return fmt.Errorf("store snapshot delta: %w", err)
	}
	if err := store.AddReference(patchCID, event.Job); err != nil {
		return err
	}

	stats := delta.ComputeStats(oldData, newData, patch)
	metrics.AddDeltas(engine.Name(), 1)
	metrics.ObserveStorageSavings(int64(stats.NewSize), int64(stats.PatchSize))

	rec := SnapshotRecord{
		Job:       event.Job,
		Timestamp: event.Timestamp,
		Manifest:  m,
		Delta: &DeltaInfo{
			Algorithm: engine.Name(),
			CID:       patchCID,
			OldSize:   stats.OldSize,
			NewSize:   stats.NewSize,
			PatchSize: stats.PatchSize,
			Ratio:     stats.Ratio,
		},
	}

	return j.RecordSnapshot(rec)
}

func foldTamper(j *Journal, event Event) error {
	rec := TamperRecord{
		Job:       event.Job,
		Path:      event.Path,
		Op:        event.Op,
		Timestamp: event.Timestamp,
	}

	return j.RecordTamper(rec)
}
