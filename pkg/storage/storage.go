// Package storage implements the durable per-meet filesystem layout
// described in spec.md §4.1: an append-only update log plus an auth blob,
// living under current-meets/<meet-id>/ until PublishMeet moves the whole
// directory under finished-meets/<meet-id>/.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Sentinel errors surfaced to the auth/meet layers per spec.md §4.1.
var (
	ErrAlreadyExists = errors.New("storage: meet already exists")
	ErrNotFound       = errors.New("storage: meet not found")
)

const (
	currentDir  = "current-meets"
	finishedDir = "finished-meets"

	updatesLogName = "updates.log"
	authBlobName   = "auth.json"
	oplCSVName     = "opl.csv"
	emailTxtName   = "email.txt"

	dirPerm  = 0o750
	filePerm = 0o640
)

// Record is one line of updates.log, in the wire shape of spec.md §6.2.
type Record struct {
	ServerSeq           uint64          `json:"server_seq"`
	Location             string          `json:"location"`
	Value                json.RawMessage `json:"value"`
	OriginatingLocation string          `json:"originating_location"`
	Timestamp            int64           `json:"ts"`
}

// LocationEntry is one row of a meet's priority table.
type LocationEntry struct {
	Name     string `json:"location_name"`
	Priority int    `json:"priority"`
}

// AuthBlob is the persisted content of auth.json (spec.md I6: never the
// raw password).
type AuthBlob struct {
	Algorithm string          `json:"algorithm"`
	Params    json.RawMessage `json:"params"`
	Salt      []byte          `json:"salt"`
	Hash      []byte          `json:"hash"`
	Locations []LocationEntry `json:"locations"`
	CreatedAt int64           `json:"created_at"`
}

// Store is the filesystem-backed per-meet durable store. A Store is safe
// for concurrent use by multiple meet actors, each of which only ever
// touches its own meet-id subdirectory.
type Store struct {
	dataDir string
	logger  *slog.Logger
}

// New creates a Store rooted at dataDir, creating current-meets/ and
// finished-meets/ if they do not already exist.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	for _, d := range []string{currentDir, finishedDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, d), dirPerm); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Store{dataDir: dataDir, logger: logger}, nil
}

func (s *Store) currentMeetDir(meetID string) string {
	return filepath.Join(s.dataDir, currentDir, meetID)
}

func (s *Store) finishedMeetDir(meetID string) string {
	return filepath.Join(s.dataDir, finishedDir, meetID)
}

// ExistsAnywhere reports whether meetID is present under current-meets/ or
// finished-meets/, for meet-id collision avoidance (spec.md I5) and
// generator retries.
func (s *Store) ExistsAnywhere(meetID string) bool {
	if _, err := os.Stat(s.currentMeetDir(meetID)); err == nil {
		return true
	}
	if _, err := os.Stat(s.finishedMeetDir(meetID)); err == nil {
		return true
	}
	return false
}

// Create atomically creates the meet's directory and writes auth.json.
// Fails with ErrAlreadyExists if meetID is already present anywhere.
func (s *Store) Create(meetID string, blob AuthBlob) error {
	if s.ExistsAnywhere(meetID) {
		return ErrAlreadyExists
	}

	dir := s.currentMeetDir(meetID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating meet directory: %w", err)
	}

	if err := s.writeAuthBlob(dir, blob); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	// Touch the log file so replay on an empty meet never errors.
	f, err := os.OpenFile(filepath.Join(dir, updatesLogName), os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("creating updates log: %w", err)
	}
	return f.Close()
}

func (s *Store) writeAuthBlob(dir string, blob AuthBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshaling auth blob: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, authBlobName), data)
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a partial
// auth.json visible to a subsequent replay (spec.md §4.1).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// LoadAuth reads a meet's auth.json. Returns ErrNotFound if the meet does
// not exist under current-meets/.
func (s *Store) LoadAuth(meetID string) (AuthBlob, error) {
	path := filepath.Join(s.currentMeetDir(meetID), authBlobName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AuthBlob{}, ErrNotFound
		}
		return AuthBlob{}, fmt.Errorf("reading auth blob: %w", err)
	}
	var blob AuthBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return AuthBlob{}, fmt.Errorf("decoding auth blob: %w", err)
	}
	return blob, nil
}

// SaveAuth overwrites a meet's auth.json, e.g. when a join adds a new
// location to the priority table (spec.md §9, Open Question resolved in
// DESIGN.md: unknown locations are rejected, so nothing in this repository
// calls it; Create writes the initial auth.json).
func (s *Store) SaveAuth(meetID string, blob AuthBlob) error {
	dir := s.currentMeetDir(meetID)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotFound
	}
	return s.writeAuthBlob(dir, blob)
}

// Append writes one or more accepted-update records to the meet's log in
// order, fsyncing before returning so durability precedes any
// acknowledgment (spec.md §4.3 step 5). Each record is one JSON object per
// line; a batch is therefore visible atomically only up to the last
// successfully fsynced line — Replay discards a trailing partial line
// rather than surface it.
func (s *Store) Append(meetID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	dir := s.currentMeetDir(meetID)
	path := filepath.Join(dir, updatesLogName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("opening updates log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling record server_seq=%d: %w", r.ServerSeq, err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("writing record server_seq=%d: %w", r.ServerSeq, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing record separator: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing updates log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsyncing updates log: %w", err)
	}
	return nil
}

// Replay iterates a meet's log in server-seq order. If the final line is
// truncated or malformed (e.g. a crash mid-append), it is skipped and
// corruptLines reports 1; any malformed line that is NOT the final one is
// a genuine storage fault and is returned as an error, since spec.md only
// permits skipping a trailing partial record.
func (s *Store) Replay(meetID string) (records []Record, corruptLines int, err error) {
	dir := s.currentMeetDir(meetID)
	path := filepath.Join(dir, updatesLogName)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("opening updates log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines [][]byte
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning updates log: %w", err)
	}

	records = make([]Record, 0, len(lines))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if i == len(lines)-1 {
				// Trailing corrupt record: tolerate, per spec.md §4.1.
				corruptLines++
				if s.logger != nil {
					s.logger.Warn("skipping corrupt trailing updates.log record",
						"meet_id", meetID, "error", err)
				}
				continue
			}
			return nil, corruptLines, fmt.Errorf("corrupt record at line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, corruptLines, nil
}

// Finalize atomically moves a meet from current-meets/ to finished-meets/
// and writes its publish artifacts (spec.md §4.1, §4.3 Publish). Fails if
// the destination already exists.
func (s *Store) Finalize(meetID string, csv []byte, email string) error {
	src := s.currentMeetDir(meetID)
	dst := s.finishedMeetDir(meetID)

	if _, err := os.Stat(src); err != nil {
		return ErrNotFound
	}
	if _, err := os.Stat(dst); err == nil {
		return ErrAlreadyExists
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming meet directory to finished: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dst, oplCSVName), csv); err != nil {
		return fmt.Errorf("writing opl.csv: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dst, emailTxtName), []byte(email)); err != nil {
		return fmt.Errorf("writing email.txt: %w", err)
	}
	return nil
}
