package ledger

import (
	"context"
	"fmt"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	records []Record
	keys    map[string]KeyRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys: make(map[string]KeyRecord),
	}
}

func (s *InMemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := int64(len(s.records)) + 1; rec.Seq != want {
		return fmt.Errorf("%w: got seq %d, want %d", ErrSeqConflict, rec.Seq, want)
	}
	rec.Body = append([]byte(nil), rec.Body...)
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Last(_ context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *InMemoryStore) Scan(ctx context.Context, fn func(Record) error) error {
	s.mu.Lock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) PutKey(key KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyID] = key
	return nil
}

func (s *InMemoryStore) GetKey(keyID string) (KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	return key, ok
}
