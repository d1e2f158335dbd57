// Package filestore keeps the audit ledger as a JSONL file: one canonical
// entry per line, appended with O_APPEND and fsynced before Append returns.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/davidahmann/sovereignty/internal/ledger"
)

const maxLineBytes = 16 * 1024 * 1024

var (
	ErrInvalidBody = errors.New("entry body must be a single non-empty line")
	ErrStoreFailed = errors.New("filestore: unacknowledged bytes could not be removed")
)

// appendFile is the subset of *os.File the writer needs.
type appendFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

type Store struct {
	mu   sync.Mutex
	path string
	f    appendFile

	last    ledger.Record
	hasLast bool
	// failed is set when a failed append could not be rolled back; the
	// file may then hold a line nobody acknowledged.
	failed error
}

// Open creates path if needed and loads its last line as the tail.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filestore: open: %w", err)
	}

	s := &Store{path: path, f: f}
	if err := s.scanFile(context.Background(), func(rec ledger.Record) error {
		s.last = rec
		s.hasLast = true
		return nil
	}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *Store) Append(_ context.Context, rec ledger.Record) error {
	if len(rec.Body) == 0 || bytes.ContainsAny(rec.Body, "\r\n") {
		return ErrInvalidBody
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return s.failed
	}

	want := int64(1)
	if s.hasLast {
		want = s.last.Seq + 1
	}
	if rec.Seq != want {
		return fmt.Errorf("%w: got seq %d, want %d", ledger.ErrSeqConflict, rec.Seq, want)
	}

	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("filestore: stat: %w", err)
	}
	offset := info.Size()

	line := make([]byte, 0, len(rec.Body)+1)
	line = append(line, rec.Body...)
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return s.rollback(offset, fmt.Errorf("filestore: write: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(offset, fmt.Errorf("filestore: fsync: %w", err))
	}

	rec.Body = append([]byte(nil), rec.Body...)
	s.last = rec
	s.hasLast = true
	return nil
}

// rollback truncates the file back to offset after a failed append so a
// partial or unacknowledged line never precedes the next record. If that
// fails too, the store refuses further appends.
func (s *Store) rollback(offset int64, cause error) error {
	err := s.f.Truncate(offset)
	if err == nil {
		err = s.f.Sync()
	}
	if err != nil {
		s.failed = fmt.Errorf("%w: truncate to %d: %v", ErrStoreFailed, offset, err)
		return errors.Join(cause, s.failed)
	}
	return cause
}

func (s *Store) Last(_ context.Context) (ledger.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast, nil
}

// Scan reads the file from the start. A record's Seq is its line number;
// the other index fields come from the line itself and are left empty when
// the line does not decode, so verification reports it instead of Scan.
func (s *Store) Scan(ctx context.Context, fn func(ledger.Record) error) error {
	return s.scanFile(ctx, fn)
}

func (s *Store) scanFile(ctx context.Context, fn func(ledger.Record) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("filestore: open for read: %w", err)
	}
	defer f.Close()
	return scan(ctx, f, fn)
}

type indexFields struct {
	EntryHash  string `json:"entry_hash"`
	PrevHash   string `json:"prev_hash"`
	ProposalID string `json:"proposal_id"`
}

func scan(ctx context.Context, r io.Reader, fn func(ledger.Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var seq int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		seq++
		rec := ledger.Record{Seq: seq, Body: append([]byte(nil), line...)}
		var idx indexFields
		if json.Unmarshal(line, &idx) == nil {
			rec.EntryHash = idx.EntryHash
			rec.PrevHash = idx.PrevHash
			rec.ProposalID = idx.ProposalID
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("filestore: read: %w", err)
	}
	return nil
}
