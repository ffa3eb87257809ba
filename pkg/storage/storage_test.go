package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestCreateAndLoadAuth(t *testing.T) {
	s := newTestStore(t)

	blob := AuthBlob{
		Algorithm: "argon2id",
		Salt:      []byte("salt"),
		Hash:      []byte("hash"),
		Locations: []LocationEntry{{Name: "Platform", Priority: 10}},
	}

	if err := s.Create("123456789", blob); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := s.LoadAuth("123456789")
	if err != nil {
		t.Fatalf("LoadAuth() error: %v", err)
	}
	if got.Algorithm != blob.Algorithm || len(got.Locations) != 1 || got.Locations[0].Name != "Platform" {
		t.Fatalf("LoadAuth() = %+v, want matching %+v", got, blob)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	blob := AuthBlob{Algorithm: "argon2id"}

	if err := s.Create("111111111", blob); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	if err := s.Create("111111111", blob); err != ErrAlreadyExists {
		t.Fatalf("second Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestAppendAndReplayOrder(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("222222222", AuthBlob{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	records := []Record{
		{ServerSeq: 1, Location: "a", Value: json.RawMessage(`1`), OriginatingLocation: "Platform"},
		{ServerSeq: 2, Location: "b", Value: json.RawMessage(`2`), OriginatingLocation: "Platform"},
		{ServerSeq: 3, Location: "a", Value: json.RawMessage(`3`), OriginatingLocation: "Desk"},
	}
	if err := s.Append("222222222", records); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, corrupt, err := s.Replay("222222222")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if corrupt != 0 {
		t.Fatalf("Replay() corrupt = %d, want 0", corrupt)
	}
	if len(got) != 3 {
		t.Fatalf("Replay() returned %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.ServerSeq != records[i].ServerSeq {
			t.Errorf("record %d: ServerSeq = %d, want %d", i, r.ServerSeq, records[i].ServerSeq)
		}
	}
}

func TestReplaySkipsTrailingCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("333333333", AuthBlob{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Append("333333333", []Record{{ServerSeq: 1, Location: "a"}}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	path := filepath.Join(s.currentMeetDir("333333333"), updatesLogName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		t.Fatalf("opening log for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"server_seq":2,"location":` + "\n"); err != nil {
		t.Fatalf("writing truncated record: %v", err)
	}
	f.Close()

	got, corrupt, err := s.Replay("333333333")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if corrupt != 1 {
		t.Fatalf("Replay() corrupt = %d, want 1", corrupt)
	}
	if len(got) != 1 {
		t.Fatalf("Replay() returned %d records, want 1", len(got))
	}
}

func TestFinalizeMovesDirectoryAndWritesArtifacts(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("444444444", AuthBlob{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := s.Finalize("444444444", []byte("csv,data"), "md@example.com"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	if s.ExistsAnywhere("444444444") == false {
		t.Fatalf("ExistsAnywhere() = false after finalize, want true")
	}
	if _, err := os.Stat(s.currentMeetDir("444444444")); !os.IsNotExist(err) {
		t.Fatalf("expected current-meets dir removed, stat err = %v", err)
	}

	csv, err := os.ReadFile(filepath.Join(s.finishedMeetDir("444444444"), oplCSVName))
	if err != nil {
		t.Fatalf("reading opl.csv: %v", err)
	}
	if string(csv) != "csv,data" {
		t.Fatalf("opl.csv = %q, want csv,data", csv)
	}
}

func TestFinalizeFailsIfDestinationExists(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("555555555", AuthBlob{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := os.MkdirAll(s.finishedMeetDir("555555555"), dirPerm); err != nil {
		t.Fatalf("seeding finished dir: %v", err)
	}

	if err := s.Finalize("555555555", nil, "x@example.com"); err != ErrAlreadyExists {
		t.Fatalf("Finalize() error = %v, want ErrAlreadyExists", err)
	}
}

func TestExistsAnywhereChecksBothDirectories(t *testing.T) {
	s := newTestStore(t)
	if s.ExistsAnywhere("999999999") {
		t.Fatalf("ExistsAnywhere() = true for unknown meet")
	}
	if err := s.Create("999999999", AuthBlob{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !s.ExistsAnywhere("999999999") {
		t.Fatalf("ExistsAnywhere() = false after Create")
	}
}
