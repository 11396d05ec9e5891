package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("every-minute", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("hourly", EveryHour, func() {}); err != nil {
		t.Errorf("Expected descriptor to parse, got %v", err)
	}
	if err := s.AddJob("six-hourly", EverySixHours, func() {}); err != nil {
		t.Errorf("Expected @every to parse, got %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].Name != "every-minute" || jobs[1].Name != "hourly" || jobs[2].Name != "six-hourly" {
		t.Errorf("Jobs not sorted by name: %+v", jobs)
	}
	for _, j := range jobs {
		if j.Next.IsZero() {
			t.Errorf("Job %s has no next run", j.Name)
		}
	}
}

func TestSchedulerInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("bad", "not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if len(s.Jobs()) != 0 {
		t.Error("Invalid job must not be registered")
	}
}

func TestSchedulerReplaceAndRemove(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("cleanup", "* * * * *", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("cleanup", EveryHour, func() {}); err != nil {
		t.Fatal(err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Spec != EveryHour {
		t.Fatalf("Expected a single replaced job, got %+v", jobs)
	}
	s.RemoveJob("cleanup")
	s.RemoveJob("missing")
	if len(s.Jobs()) != 0 {
		t.Error("Expected no jobs after removal")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler()
	var runs int32
	if err := s.AddJob("fast", "@every 1s", func() { atomic.AddInt32(&runs, 1) }); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if atomic.LoadInt32(&runs) == 0 {
		t.Error("Expected job to run at least once")
	}
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	s := NewScheduler()
	var after int32
	if err := s.AddJob("panics", "@every 1s", func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("after", "@every 1s", func() { atomic.AddInt32(&after, 1) }); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&after) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if atomic.LoadInt32(&after) == 0 {
		t.Error("A panicking job must not stop the scheduler")
	}
}
