package trial

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
)

func tempSQLite(t *testing.T, study string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trials.db"), study)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": tempSQLite(t, "test"),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tr, err := s.Create(ctx)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if tr.Number != 0 || tr.State != StatePending {
				t.Fatalf("unexpected new trial %+v", tr)
			}

			key := param.Base("asc", "car").String()
			if err := s.SetParams(ctx, tr.Number, map[string]float64{key: 0.5}); err != nil {
				t.Fatalf("SetParams: %v", err)
			}
			if err := s.Start(ctx, tr.Number, map[string]string{LabelRunID: "run0"}); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := s.SetParams(ctx, tr.Number, map[string]float64{key: 1}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected params to be frozen once running, got %v", err)
			}
			if err := s.Complete(ctx, tr.Number, map[string]float64{"share/asc:car": 0.3}); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			got, err := s.Get(ctx, tr.Number)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.State != StateCompleted {
				t.Fatalf("expected completed, got %s", got.State)
			}
			if got.Params[key] != 0.5 || got.Attrs["share/asc:car"] != 0.3 || got.Labels[LabelRunID] != "run0" {
				t.Fatalf("unexpected stored trial %+v", got)
			}
			if got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
				t.Fatalf("expected timestamps to be set")
			}

			if err := s.Fail(ctx, tr.Number, "late"); !errors.Is(err, ErrTrialTerminal) {
				t.Fatalf("expected ErrTrialTerminal, got %v", err)
			}
		})
	}
}

func TestStoreFailedTrialsExcludedFromHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				tr, err := s.Create(ctx)
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				if err := s.Start(ctx, tr.Number, nil); err != nil {
					t.Fatalf("Start: %v", err)
				}
				if i == 1 {
					if err := s.Fail(ctx, tr.Number, "exit status 1"); err != nil {
						t.Fatalf("Fail: %v", err)
					}
					continue
				}
				if err := s.Complete(ctx, tr.Number, nil); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			}

			done, err := s.Completed(ctx)
			if err != nil {
				t.Fatalf("Completed: %v", err)
			}
			if len(done) != 2 || done[0].Number != 0 || done[1].Number != 2 {
				t.Fatalf("unexpected completed history %+v", done)
			}

			last, err := LastCompleted(ctx, s)
			if err != nil || last == nil || last.Number != 2 {
				t.Fatalf("expected last completed trial 2, got %+v (%v)", last, err)
			}

			all, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 3 || all[1].State != StateFailed || all[1].Error != "exit status 1" {
				t.Fatalf("unexpected trial list %+v", all)
			}
		})
	}
}

func TestStoreInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tr, _ := s.Create(ctx)
			if err := s.Complete(ctx, tr.Number, nil); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected pending -> completed to be rejected, got %v", err)
			}
			if err := s.Start(ctx, 42, nil); !errors.Is(err, ErrTrialNotFound) {
				t.Fatalf("expected ErrTrialNotFound, got %v", err)
			}
			if _, err := s.Get(ctx, 42); !errors.Is(err, ErrTrialNotFound) {
				t.Fatalf("expected ErrTrialNotFound, got %v", err)
			}
			if err := s.Fail(ctx, tr.Number, "sampling failed"); err != nil {
				t.Fatalf("expected pending -> failed to be allowed: %v", err)
			}
		})
	}
}

func TestStoreStudyAttrs(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.StudyAttr(ctx, "chain"); err != nil || ok {
				t.Fatalf("expected missing attr, got ok=%v err=%v", ok, err)
			}
			if err := s.SetStudyAttr(ctx, "chain", "a.xml"); err != nil {
				t.Fatalf("SetStudyAttr: %v", err)
			}
			if err := s.SetStudyAttr(ctx, "chain", "b.xml"); err != nil {
				t.Fatalf("SetStudyAttr: %v", err)
			}
			v, ok, err := s.StudyAttr(ctx, "chain")
			if err != nil || !ok || v != "b.xml" {
				t.Fatalf("expected b.xml, got %q ok=%v err=%v", v, ok, err)
			}
		})
	}
}

func TestSQLiteStoreIsolatesStudiesAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(path, "a")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := a.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.Close()

	b, err := NewSQLiteStore(path, "b")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer b.Close()
	tr, err := b.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tr.Number != 0 {
		t.Fatalf("expected numbering per study, got %d", tr.Number)
	}

	reopened, err := NewSQLiteStore(path, "a")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer reopened.Close()
	next, err := reopened.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if next.Number != 2 {
		t.Fatalf("expected numbering to resume at 2, got %d", next.Number)
	}
}

func TestTrialCloneIsDeep(t *testing.T) {
	tr := newTrial(1)
	tr.Params["asc:car"] = 1
	c := tr.Clone()
	c.Params["asc:car"] = 2
	if tr.Params["asc:car"] != 1 {
		t.Fatalf("clone aliases params")
	}
	if v, ok := c.Param(param.Base("asc", "car")); !ok || v != 2 {
		t.Fatalf("Param lookup failed: %v %v", v, ok)
	}
}
