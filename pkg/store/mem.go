package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomci/loom/pkg/results"
)

type buildKey struct {
	builder string
	number  int
}

type memRecord struct {
	build BuildRecord
	logs  []LogLine
}

// MemStore keeps build history in memory.
type MemStore struct {
	mu    sync.RWMutex
	items map[buildKey]*memRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[buildKey]*memRecord)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) StartBuild(rec BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.items[buildKey{rec.Builder, rec.Number}] = &memRecord{build: rec}
	return nil
}

func (s *MemStore) get(builder string, number int) (*memRecord, error) {
	rec, ok := s.items[buildKey{builder, number}]
	if !ok {
		return nil, fmt.Errorf("%s #%d: %w", builder, number, ErrNotFound)
	}
	return rec, nil
}

func (s *MemStore) FinishBuild(builder string, number int, result results.Code, text []string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return err
	}
	code := int(result)
	rec.build.Result = &code
	rec.build.Text = text
	rec.build.FinishedAt = finishedAt
	return nil
}

func (s *MemStore) StartStep(builder string, number int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return err
	}
	rec.build.Steps = append(rec.build.Steps, StepRecord{Name: step, StartedAt: time.Now().UTC()})
	return nil
}

func (s *MemStore) FinishStep(builder string, number int, step string, result results.Code, text []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return err
	}
	for i := len(rec.build.Steps) - 1; i >= 0; i-- {
		if rec.build.Steps[i].Name == step {
			code := int(result)
			rec.build.Steps[i].Result = &code
			rec.build.Steps[i].Text = text
			rec.build.Steps[i].FinishedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("step %s of %s #%d: %w", step, builder, number, ErrNotFound)
}

func (s *MemStore) AppendLog(builder string, number int, step, stream, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return err
	}
	rec.logs = append(rec.logs, LogLine{Step: step, Stream: stream, Text: text})
	return nil
}

func (s *MemStore) Build(builder string, number int) (BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return BuildRecord{}, err
	}
	return rec.build, nil
}

func (s *MemStore) Builds(builder string, limit int) ([]BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BuildRecord
	for key, rec := range s.items {
		if key.builder == builder {
			out = append(out, rec.build)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Logs(builder string, number int) ([]LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.get(builder, number)
	if err != nil {
		return nil, err
	}
	return append([]LogLine(nil), rec.logs...), nil
}

func (s *MemStore) Close() error { return nil }
