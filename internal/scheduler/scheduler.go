// Package scheduler provides cron-driven maintenance for SurveyPipe.
//
// It runs periodic housekeeping such as pruning stale scheduled surveys and
// applying the session retention policy.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Common maintenance schedules.
const (
	EveryHour     = "@hourly"
	EverySixHours = "@every 6h"
)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name string
	Spec string
	Next time.Time
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
	spec map[string]string
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) plus @hourly / @every descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID), spec: make(map[string]string)}
}

// AddJob schedules a named task using the provided cron expression, replacing
// any job with the same name. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task()
		slog.Debug("Scheduler job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.spec[name] = expr
	slog.Info("Scheduler job registered", "job", name, "spec", expr)
	return nil
}

// RemoveJob unschedules a job by name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
		delete(s.spec, name)
	}
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, id := range s.jobs {
		out = append(out, JobInfo{Name: name, Spec: s.spec[name], Next: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
