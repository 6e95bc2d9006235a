package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"stationlink/internal/migrate"

	_ "github.com/mattn/go-sqlite3"
)

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := migrate.Run(db, nil); err != nil {
		_ = db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	s := New(openDB(t, ":memory:"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close storage: %v", err)
		}
	})
	return s
}

func mustWrite(t *testing.T, s *Storage, station int64, temp, precip float64) {
	t.Helper()
	if err := s.Write(station, temp, precip); err != nil {
		t.Fatalf("Write(%d, %v, %v): %v", station, temp, precip, err)
	}
}

func ptr(v int64) *int64 { return &v }

func TestWriteRead_ThreeWrites(t *testing.T) {
	s := setupStorage(t)
	mustWrite(t, s, 1, 20.0, 0.0)
	mustWrite(t, s, 2, 15.5, 1.2)
	mustWrite(t, s, 1, 21.0, 0.1)

	got, err := s.Read(0, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d series, want 2", len(got))
	}
	if got[0].StationID != 1 || got[1].StationID != 2 {
		t.Fatalf("station order = [%d %d], want [1 2]", got[0].StationID, got[1].StationID)
	}
	if len(got[0].Readings) != 2 || got[0].Readings[0].Temperature != 20.0 || got[0].Readings[1].Temperature != 21.0 {
		t.Errorf("station 1 readings = %+v", got[0].Readings)
	}
	if len(got[1].Readings) != 1 || got[1].Readings[0].Precipitation != 1.2 {
		t.Errorf("station 2 readings = %+v", got[1].Readings)
	}

	n, err := s.Count()
	if err != nil || n != 3 {
		t.Errorf("Count() = %d, %v; want 3", n, err)
	}
	m, err := s.StationCount()
	if err != nil || m != 2 {
		t.Errorf("StationCount() = %d, %v; want 2", m, err)
	}
}

func TestRead_Ranges(t *testing.T) {
	s := setupStorage(t)
	for i := 0; i < 5; i++ {
		mustWrite(t, s, int64(i%2), float64(i), 0)
	}
	// Indices are 1..5.

	tests := []struct {
		name string
		from int64
		to   *int64
		want []int64
	}{
		{name: "all", from: 0, want: []int64{1, 2, 3, 4, 5}},
		{name: "from only", from: 3, want: []int64{3, 4, 5}},
		{name: "closed range", from: 2, to: ptr(4), want: []int64{2, 3, 4}},
		{name: "single", from: 3, to: ptr(3), want: []int64{3}},
		{name: "from past end", from: 10, want: nil},
		{name: "from greater than to", from: 4, to: ptr(2), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Read(tt.from, tt.to)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			var idx []int64
			for _, series := range got {
				for _, r := range series.Readings {
					idx = append(idx, r.Index)
				}
			}
			if len(idx) != len(tt.want) {
				t.Fatalf("indices = %v, want %v", idx, tt.want)
			}
			seen := make(map[int64]bool)
			for _, i := range idx {
				seen[i] = true
			}
			for _, w := range tt.want {
				if !seen[w] {
					t.Errorf("missing index %d in %v", w, idx)
				}
			}
		})
	}
}

func TestRead_StationWithoutRowsInRangeAbsent(t *testing.T) {
	s := setupStorage(t)
	mustWrite(t, s, 7, 1, 0)
	mustWrite(t, s, 8, 2, 0)

	got, err := s.Read(2, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || got[0].StationID != 8 {
		t.Fatalf("Read(2, nil) = %+v, want only station 8", got)
	}
}

func TestClear_KeepsIndexCounting(t *testing.T) {
	s := setupStorage(t)
	mustWrite(t, s, 1, 1, 0)
	mustWrite(t, s, 1, 2, 0)

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("Count after Clear = %d, want 0", n)
	}
	if m, _ := s.StationCount(); m != 0 {
		t.Fatalf("StationCount after Clear = %d, want 0", m)
	}

	mustWrite(t, s, 1, 3, 0)
	got, err := s.Read(0, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || len(got[0].Readings) != 1 {
		t.Fatalf("Read after Clear = %+v", got)
	}
	if idx := got[0].Readings[0].Index; idx != 3 {
		t.Errorf("index after Clear = %d, want 3", idx)
	}
}

func TestCount_AppendOnly(t *testing.T) {
	s := setupStorage(t)
	for i := 1; i <= 4; i++ {
		mustWrite(t, s, 42, 0, 0)
		n, err := s.Count()
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("Count = %d, want %d", n, i)
		}
	}
	if m, _ := s.StationCount(); m != 1 {
		t.Errorf("StationCount = %d, want 1", m)
	}
}

func TestClosed(t *testing.T) {
	s := New(openDB(t, ":memory:"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := s.Write(1, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Read(0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Count(); !errors.Is(err, ErrClosed) {
		t.Errorf("Count after Close = %v, want ErrClosed", err)
	}
	if err := s.Clear(); !errors.Is(err, ErrClosed) {
		t.Errorf("Clear after Close = %v, want ErrClosed", err)
	}
	if err := s.Ping(); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station_data.db")

	s := New(openDB(t, path))
	mustWrite(t, s, 5, 12.5, 0.4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = New(openDB(t, path))
	defer func() { _ = s.Close() }()
	got, err := s.Read(0, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || got[0].StationID != 5 || got[0].Readings[0].Temperature != 12.5 {
		t.Fatalf("Read after reopen = %+v", got)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := setupStorage(t)
	const writers, each = 8, 25

	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(id int64) {
			for i := 0; i < each; i++ {
				if err := s.Write(id, float64(i), 0); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(int64(w))
	}
	for w := 0; w < writers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Write: %v", err)
		}
	}
	if n, _ := s.Count(); n != writers*each {
		t.Errorf("Count = %d, want %d", n, writers*each)
	}
	if m, _ := s.StationCount(); m != writers {
		t.Errorf("StationCount = %d, want %d", m, writers)
	}
}
