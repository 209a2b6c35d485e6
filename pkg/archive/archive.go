// Package archive moves job history between machines. An archive is a
// tar stream compressed with xz holding the job's run, snapshot, and
// tamper records as JSON plus every content chunk the snapshots
// reference. Importing on another host replays the records into the
// journal and rehydrates the chunks into the snapshot store, so
// Materialize and Verify keep working after the move.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/saworbit/batchkeeper/pkg/journal"
	"github.com/saworbit/batchkeeper/pkg/snapshot"
)

const (
	headerName    = "export.json"
	runsName      = "runs.json"
	snapshotsName = "snapshots.json"
	tampersName   = "tampers.json"
	blobDir       = "blobs/"
)

// Header describes an archive. It is stored as the first tar entry so
// readers can reject incompatible archives before touching the rest.
type Header struct {
	Job       string    `json:"job"`
	CreatedAt time.Time `json:"created_at"`
	HashAlgo  string    `json:"hash_algo"`
	Runs      int       `json:"runs"`
	Snapshots int       `json:"snapshots"`
	Tampers   int       `json:"tampers"`
	Blobs     int       `json:"blobs"`
}

// Export writes the complete history of job to w as a tar.xz stream.
func Export(w io.Writer, j *journal.Journal, store *snapshot.Store, job string) (Header, error) {
	if job == "" {
		return Header{}, errors.New("job name is required")
	}

	runs, err := j.Runs(job)
	if err != nil {
		return Header{}, fmt.Errorf("read runs: %w", err)
	}

	snaps, err := j.Snapshots(job)
	if err != nil {
		return Header{}, fmt.Errorf("read snapshots: %w", err)
	}

	tampers, err := j.Tampers(job)
	if err != nil {
		return Header{}, fmt.Errorf("read tampers: %w", err)
	}

	if len(runs)+len(snaps)+len(tampers) == 0 {
		return Header{}, fmt.Errorf("no history recorded for job %s", job)
	}

	cids := collectCIDs(snaps)

	header := Header{
		Job:       job,
		CreatedAt: time.Now().UTC(),
		HashAlgo:  store.HashAlgo(),
		Runs:      len(runs),
		Snapshots: len(snaps),
		Tampers:   len(tampers),
		Blobs:     len(cids),
	}

	xzw, err := xz.NewWriter(w)
	if err != nil {
		return Header{}, fmt.Errorf("create xz writer: %w", err)
	}

	tw := tar.NewWriter(xzw)

	if err := writeJSONEntry(tw, headerName, header); err != nil {
		return Header{}, err
	}
	if err := writeJSONEntry(tw, runsName, runs); err != nil {
		return Header{}, err
	}
	if err := writeJSONEntry(tw, snapshotsName, snaps); err != nil {
		return Header{}, err
	}
	if err := writeJSONEntry(tw, tampersName, tampers); err != nil {
		return Header{}, err
	}

	for _, cid := range cids {
		data, err := store.Get(cid)
		if err != nil {
			return Header{}, fmt.Errorf("read chunk %s: %w", cid, err)
		}
		if err := writeEntry(tw, blobDir+cid, data); err != nil {
			return Header{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return Header{}, fmt.Errorf("close tar stream: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return Header{}, fmt.Errorf("close xz stream: %w", err)
	}

	return header, nil
}

// ExportFile exports job to a new archive file at path.
func ExportFile(path string, j *journal.Journal, store *snapshot.Store, job string) (Header, error) {
	f, err := os.Create(path)
	if err != nil {
		return Header{}, fmt.Errorf("create archive: %w", err)
	}

	header, err := Export(f, j, store, job)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close archive: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return Header{}, err
	}

	return header, nil
}

// Import reads a tar.xz archive from r and merges its history into the
// journal and store. Records land under their original keys, so
// importing the same archive twice is harmless. The archive's hash
// algorithm must match the store's or the chunk CIDs would never line
// up with the manifests.
func Import(r io.Reader, j *journal.Journal, store *snapshot.Store) (Header, error) {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return Header{}, fmt.Errorf("open xz stream: %w", err)
	}

	var (
		header    Header
		hasHeader bool
		runs      []journal.RunRecord
		snaps     []journal.SnapshotRecord
		tampers   []journal.TamperRecord
		blobs     = make(map[string][]byte)
	)

	tr := tar.NewReader(xzr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return Header{}, fmt.Errorf("read tar entry %s: %w", hdr.Name, err)
		}

		switch {
		case hdr.Name == headerName:
			if err := json.Unmarshal(data, &header); err != nil {
				return Header{}, fmt.Errorf("decode %s: %w", headerName, err)
			}
			hasHeader = true
		case hdr.Name == runsName:
			if err := json.Unmarshal(data, &runs); err != nil {
				return Header{}, fmt.Errorf("decode %s: %w", runsName, err)
			}
		case hdr.Name == snapshotsName:
			if err := json.Unmarshal(data, &snaps); err != nil {
				return Header{}, fmt.Errorf("decode %s: %w", snapshotsName, err)
			}
		case hdr.Name == tampersName:
			if err := json.Unmarshal(data, &tampers); err != nil {
				return Header{}, fmt.Errorf("decode %s: %w", tampersName, err)
			}
		case strings.HasPrefix(hdr.Name, blobDir):
			blobs[strings.TrimPrefix(hdr.Name, blobDir)] = data
		}
	}

	if !hasHeader {
		return Header{}, fmt.Errorf("archive is missing %s", headerName)
	}
	if header.HashAlgo != store.HashAlgo() {
		return Header{}, fmt.Errorf("archive hashed with %s but store uses %s", header.HashAlgo, store.HashAlgo())
	}

	// Chunks go in before the records that reference them so a partial
	// import never leaves a manifest pointing at missing data.
	for _, cid := range sortedKeys(blobs) {
		got, err := store.Put(blobs[cid])
		if err != nil {
			return Header{}, fmt.Errorf("store chunk %s: %w", cid, err)
		}
		if got != cid {
			return Header{}, fmt.Errorf("chunk %s does not match its content (hashed to %s)", cid, got)
		}
		if err := store.AddReference(cid, header.Job); err != nil {
			return Header{}, fmt.Errorf("reference chunk %s: %w", cid, err)
		}
	}

	for _, rec := range runs {
		if err := j.RecordRun(rec); err != nil {
			return Header{}, fmt.Errorf("import run %s: %w", rec.ID(), err)
		}
	}
	for _, rec := range snaps {
		if err := j.RecordSnapshot(rec); err != nil {
			return Header{}, fmt.Errorf("import snapshot %d: %w", rec.Timestamp, err)
		}
	}
	for _, rec := range tampers {
		if err := j.RecordTamper(rec); err != nil {
			return Header{}, fmt.Errorf("import tamper %d: %w", rec.Timestamp, err)
		}
	}

	return header, nil
}

// ImportFile imports the archive file at path.
func ImportFile(path string, j *journal.Journal, store *snapshot.Store) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	return Import(f, j, store)
}

// collectCIDs gathers every chunk CID the snapshot records reference,
// including stored delta patches, deduplicated and sorted.
func collectCIDs(snaps []journal.SnapshotRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range snaps {
		for _, cid := range rec.Manifest.CIDs {
			seen[cid] = struct{}{}
		}
		if rec.Delta != nil && rec.Delta.CID != "" {
			seen[rec.Delta.CID] = struct{}{}
		}
	}

	cids := make([]string, 0, len(seen))
	for cid := range seen {
		cids = append(cids, cid)
	}
	sort.Strings(cids)

	return cids
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

func writeJSONEntry(tw *tar.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	return writeEntry(tw, name, data)
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar entry %s: %w", name, err)
	}

	return nil
}
