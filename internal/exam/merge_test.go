package exam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/store"
)

func TestConcurrentMergesKeepEveryRecord(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	def := testExam(time.Hour, threeQuestions()...)
	m := NewMerger(s, 100)
	m.initialInterval = time.Millisecond

	const respondents = 12
	var wg sync.WaitGroup
	errs := make(chan error, respondents)
	for i := 1; i <= respondents; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- m.Merge(context.Background(), def, id, model.SubmissionRecord{Score: float64(id), TotalQuestions: 3})
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
	}

	tree, err := s.GetSubmissionTree(def.ID)
	if err != nil {
		t.Fatalf("GetSubmissionTree: %v", err)
	}
	if len(tree.Users) != respondents {
		t.Fatalf("stored %d records, want %d", len(tree.Users), respondents)
	}
	for i := int64(1); i <= respondents; i++ {
		if tree.Users[i].Score != float64(i) {
			t.Errorf("respondent %d score = %v", i, tree.Users[i].Score)
		}
	}
}

func TestMergeOverwritesAndKeepsMetadata(t *testing.T) {
	ms := newMemStore()
	m := NewMerger(ms, 0)
	def := testExam(time.Hour)

	if err := m.Merge(context.Background(), def, 1, model.SubmissionRecord{Score: 1}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	renamed := def
	renamed.Name = "Renamed"
	if err := m.Merge(context.Background(), renamed, 1, model.SubmissionRecord{Score: 3}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	tree, _ := ms.GetSubmissionTree(def.ID)
	if tree.Name != "Midterm" {
		t.Errorf("Name = %q, want metadata of the first submission", tree.Name)
	}
	if len(tree.Users) != 1 || tree.Users[1].Score != 3 {
		t.Errorf("Users = %+v, want one overwritten record", tree.Users)
	}
}

func TestMergeGivesUpAfterRetries(t *testing.T) {
	ms := newMemStore()
	ms.failPuts = 10
	m := NewMerger(ms, 2)
	m.initialInterval = time.Millisecond

	err := m.Merge(context.Background(), testExam(time.Hour), 1, model.SubmissionRecord{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if ms.puts != 3 {
		t.Errorf("puts = %d, want 3", ms.puts)
	}
}

func TestSetProfessorFeedback(t *testing.T) {
	ms := newMemStore()
	m := NewMerger(ms, 0)
	def := testExam(time.Hour)
	if err := m.Merge(context.Background(), def, 1, model.SubmissionRecord{Score: 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := m.SetProfessorFeedback(context.Background(), def.ID, 1, " well done "); err != nil {
		t.Fatalf("SetProfessorFeedback: %v", err)
	}
	tree, _ := ms.GetSubmissionTree(def.ID)
	if got := tree.Users[1].ProfessorFeedback; got != "well done" {
		t.Errorf("ProfessorFeedback = %q, want %q", got, "well done")
	}
	if tree.Users[1].Score != 2 {
		t.Error("feedback must not touch the score")
	}

	err := m.SetProfessorFeedback(context.Background(), def.ID, 99, "x")
	if !errors.Is(err, ErrSubmissionNotFound) {
		t.Errorf("unknown respondent: err = %v, want ErrSubmissionNotFound", err)
	}
	if ms.puts != 2 {
		t.Errorf("puts = %d, want 2 (no write for unknown respondent)", ms.puts)
	}
}

func TestMergeWithDoneContextWritesNothing(t *testing.T) {
	ms := newMemStore()
	m := NewMerger(ms, 3)
	m.initialInterval = time.Millisecond
	def := testExam(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Merge(ctx, def, student.UserID, model.SubmissionRecord{Score: 1, TotalQuestions: 3})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Merge() err = %v, want context.Canceled", err)
	}
	if ms.puts != 0 {
		t.Errorf("PutSubmissionTree called %d times, want 0", ms.puts)
	}
}
