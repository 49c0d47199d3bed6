package trial

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// Store persists trials and a few study-level attributes.
// Numbers are handed out monotonically; Completed returns only COMPLETED
// trials in increasing number order.
type Store interface {
	Create(ctx context.Context) (*Trial, error)
	SetParams(ctx context.Context, number int, params map[string]float64) error
	Start(ctx context.Context, number int, labels map[string]string) error
	Complete(ctx context.Context, number int, attrs map[string]float64) error
	Fail(ctx context.Context, number int, reason string) error
	Get(ctx context.Context, number int) (*Trial, error)
	List(ctx context.Context) ([]*Trial, error)
	Completed(ctx context.Context) ([]*Trial, error)
	StudyAttr(ctx context.Context, key string) (string, bool, error)
	SetStudyAttr(ctx context.Context, key, value string) error
	Close() error
}

// LastCompleted returns the most recent completed trial, or nil
func LastCompleted(ctx context.Context, s Store) (*Trial, error) {
	done, err := s.Completed(ctx)
	if err != nil {
		return nil, err
	}
	if len(done) == 0 {
		return nil, nil
	}
	return done[len(done)-1], nil
}

// MemoryStore keeps trials in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	next   int
	trials map[int]*Trial
	study  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trials: make(map[int]*Trial),
		study:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context) (*Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTrial(s.next)
	s.next++
	s.trials[t.Number] = t
	return t.Clone(), nil
}

func (s *MemoryStore) lookup(number int) (*Trial, error) {
	t, ok := s.trials[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTrialNotFound, number)
	}
	return t, nil
}

func (s *MemoryStore) SetParams(_ context.Context, number int, params map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(number)
	if err != nil {
		return err
	}
	if t.State != StatePending {
		return fmt.Errorf("%w: trial %d is %s", ErrInvalidTransition, number, t.State)
	}
	maps.Copy(t.Params, params)
	return nil
}

func (s *MemoryStore) transition(t *Trial, to State) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialTerminal, t.Number, t.State)
	}
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	return nil
}

func (s *MemoryStore) Start(_ context.Context, number int, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(number)
	if err != nil {
		return err
	}
	if err := s.transition(t, StateRunning); err != nil {
		return err
	}
	maps.Copy(t.Labels, labels)
	t.StartedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, number int, attrs map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(number)
	if err != nil {
		return err
	}
	if err := s.transition(t, StateCompleted); err != nil {
		return err
	}
	maps.Copy(t.Attrs, attrs)
	t.CompletedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, number int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(number)
	if err != nil {
		return err
	}
	if err := s.transition(t, StateFailed); err != nil {
		return err
	}
	t.Error = reason
	t.CompletedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, number int) (*Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(number)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *MemoryStore) list(filter func(*Trial) bool) []*Trial {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Trial, 0, len(s.trials))
	for _, t := range s.trials {
		if filter == nil || filter(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *MemoryStore) List(_ context.Context) ([]*Trial, error) {
	return s.list(nil), nil
}

func (s *MemoryStore) Completed(_ context.Context) ([]*Trial, error) {
	return s.list(func(t *Trial) bool { return t.State == StateCompleted }), nil
}

func (s *MemoryStore) StudyAttr(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.study[key]
	return v, ok, nil
}

func (s *MemoryStore) SetStudyAttr(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.study[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
