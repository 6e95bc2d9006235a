// Package storage is the single durable store shared by every endpoint.
// Each operation runs under one mutex, statement and autocommit included.
package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

//go:embed sql/count-readings.sql
var countReadingsSQL string

//go:embed sql/count-stations.sql
var countStationsSQL string

//go:embed sql/delete-readings.sql
var deleteReadingsSQL string

var ErrClosed = errors.New("storage: closed")

// Reading is one stored row. Index is assigned on insert and never reused,
// Clear included.
type Reading struct {
	Index         int64
	StationID     int64
	Temperature   float64
	Precipitation float64
}

// Series holds one station's readings in index order.
type Series struct {
	StationID int64
	Readings  []Reading
}

type Storage struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// New wraps a migrated database.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Write(stationID int64, temperature, precipitation float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(insertReadingSQL, temperature, precipitation, stationID); err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Read returns rows with from <= index and, when to is set, index <= to,
// grouped by station in order of first appearance.
func (s *Storage) Read(from int64, to *int64) ([]Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var upper any
	if to != nil {
		upper = *to
	}
	rows, err := s.db.Query(getReadingsSQL, from, upper, upper)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()

	var out []Series
	pos := make(map[int64]int)
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.Index, &r.StationID, &r.Temperature, &r.Precipitation); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		i, ok := pos[r.StationID]
		if !ok {
			i = len(out)
			pos[r.StationID] = i
			out = append(out, Series{StationID: r.StationID})
		}
		out[i].Readings = append(out[i].Readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}

// Count is the number of stored readings.
func (s *Storage) Count() (int64, error) {
	return s.scalar(countReadingsSQL, "count readings")
}

// StationCount is the number of distinct station ids among stored readings.
func (s *Storage) StationCount() (int64, error) {
	return s.scalar(countStationsSQL, "count stations")
}

func (s *Storage) scalar(query, what string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return n, nil
}

// Clear deletes every reading. The index sequence keeps counting.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(deleteReadingsSQL); err != nil {
		return fmt.Errorf("delete readings: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Storage) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Ping()
}

// Close closes the underlying database. Calling it again is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
