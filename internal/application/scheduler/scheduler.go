package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/orchestrator"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/internal/application/steps"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

// Config holds scheduler settings.
type Config struct {
	// LeaderLease makes each run take a cluster-wide lease first, so only
	// one replica sweeps at a time.
	LeaderLease bool
	// OperatorEmail receives escalations.
	OperatorEmail string
	// RetryBatch caps the retry entries handled per run.
	RetryBatch int
	// StuckCommit is how long a session may stay committing before a
	// manual cleanup fails it.
	StuckCommit time.Duration
}

// Summary reports one job run.
type Summary struct {
	Job             string        `json:"job"`
	Scanned         int           `json:"scanned"`
	Processed       int           `json:"processed"`
	Cleaned         int           `json:"cleaned"`
	SkippedSessions int           `json:"skipped_sessions"`
	Errors          []string      `json:"errors"`
	Skipped         bool          `json:"skipped"`
	Duration        time.Duration `json:"duration"`
}

func (s *Summary) fail(id string, err error) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", id, err))
}

type jobState struct {
	Job
	running atomic.Bool
}

// errSkip aborts an update whose session no longer needs the action.
var errSkip = errors.New("nothing to do")

// Scheduler sweeps sessions periodically for stuck workflows and due
// commit retries.
type Scheduler struct {
	engine    *orchestrator.Engine
	sessions  *session.Manager
	store     ports.SessionStore
	locks     ports.LockManager
	sender    ports.NotificationSender
	privilege ports.PrivilegeChecker
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	cfg       Config

	jobs map[string]*jobState
	// order keeps jobs in configuration order.
	order []string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler for jobs.
func NewScheduler(
	engine *orchestrator.Engine,
	sessions *session.Manager,
	store ports.SessionStore,
	locks ports.LockManager,
	sender ports.NotificationSender,
	privilege ports.PrivilegeChecker,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
	jobs []Job,
) *Scheduler {
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 100
	}
	if cfg.StuckCommit <= 0 {
		cfg.StuckCommit = DefaultStuckCommit
	}
	s := &Scheduler{
		engine:    engine,
		sessions:  sessions,
		store:     store,
		locks:     locks,
		sender:    sender,
		privilege: privilege,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		jobs:      make(map[string]*jobState, len(jobs)),
	}
	for _, j := range jobs {
		s.jobs[j.Name] = &jobState{Job: j}
		s.order = append(s.order, j.Name)
	}
	return s
}

// Jobs returns the configured jobs.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].Job)
	}
	return out
}

// Start runs every job on its own ticker until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, name := range s.order {
		st := s.jobs[name]
		if st.Interval <= 0 {
			s.logger.Warn("job disabled", zap.String("job", name))
			continue
		}
		s.wg.Add(1)
		go s.loop(st, s.stopCh)
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))
}

// Stop stops the tickers and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(st *jobState, stopCh chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(st.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.run(ctx, st)
		}
	}
}

// RunJob runs a job once by name.
func (s *Scheduler) RunJob(ctx context.Context, name string) (*Summary, error) {
	st, ok := s.jobs[name]
	if !ok {
		return nil, domain.NotFound("unknown job: %s", name)
	}
	return s.run(ctx, st), nil
}

// run executes one job. A run that finds the previous one still active,
// or the leader lease held elsewhere, does no work at all.
func (s *Scheduler) run(ctx context.Context, st *jobState) *Summary {
	start := time.Now()
	sum := &Summary{Job: st.Name}

	if !st.running.CompareAndSwap(false, true) {
		sum.Skipped = true
		s.finish(sum, start)
		return sum
	}
	defer st.running.Store(false)

	if s.cfg.LeaderLease {
		key := "scheduler:" + st.Name
		token, ok, err := s.locks.Acquire(ctx, key, st.Interval)
		if err != nil || !ok {
			if err != nil {
				s.logger.Warn("failed to acquire scheduler lease", zap.String("job", st.Name), zap.Error(err))
			}
			sum.Skipped = true
			s.finish(sum, start)
			return sum
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.logger.Warn("failed to release scheduler lease", zap.String("job", st.Name), zap.Error(err))
			}
		}()
	}

	if st.Retries {
		s.processRetries(ctx, sum)
	} else {
		s.sweep(ctx, st.Rules, sum)
	}

	s.finish(sum, start)
	return sum
}

func (s *Scheduler) finish(sum *Summary, start time.Time) {
	sum.Duration = time.Since(start)
	s.metrics.RecordSchedulerRun(sum.Job, sum.Processed+sum.Cleaned, len(sum.Errors), sum.Skipped, sum.Duration)

	if sum.Skipped {
		s.logger.Info("scheduler run skipped", zap.String("job", sum.Job))
		return
	}
	s.logger.Info("scheduler run finished",
		zap.String("job", sum.Job),
		zap.Int("scanned", sum.Scanned),
		zap.Int("processed", sum.Processed),
		zap.Int("cleaned", sum.Cleaned),
		zap.Int("skipped_sessions", sum.SkippedSessions),
		zap.Int("errors", len(sum.Errors)),
		zap.Duration("duration", sum.Duration))
}

// sweep applies rules to every live session. Errors are isolated per
// session.
func (s *Scheduler) sweep(ctx context.Context, rules []Rule, sum *Summary) {
	list, err := s.sessions.List(ctx, ports.SessionFilter{})
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("list sessions: %v", err))
		return
	}
	sum.Scanned = len(list)
	now := s.sessions.Now()

	for _, sess := range list {
		if ctx.Err() != nil {
			return
		}
		def, err := s.sessions.Definition(sess.WorkflowType)
		if err != nil {
			sum.fail(sess.ID, err)
			continue
		}
		for _, rule := range rules {
			if !rule.Matches(def, sess, now) {
				continue
			}
			s.apply(ctx, rule, sess, sum)
			break
		}
	}
}

func (s *Scheduler) apply(ctx context.Context, rule Rule, sess *domain.Session, sum *Summary) {
	var err error
	switch rule.Action {
	case ActionRemind:
		err = s.remind(ctx, rule, sess.ID)
	case ActionEscalate:
		err = s.escalate(ctx, rule, sess.ID)
	case ActionExpire:
		err = s.expire(ctx, sess.ID)
	case ActionRecover:
		err = s.recoverCommit(ctx, func(sess *domain.Session, def *workflow.Definition) bool {
			return rule.Matches(def, sess, s.sessions.Now())
		}, sess.ID)
	default:
		err = fmt.Errorf("unknown action %q", rule.Action)
	}

	switch {
	case err == nil:
		if rule.Action == ActionExpire {
			sum.Cleaned++
		} else {
			sum.Processed++
		}
	case errors.Is(err, errSkip):
	case errors.Is(err, domain.ErrConflict):
		sum.SkippedSessions++
	default:
		s.logger.Warn("scheduler action failed",
			zap.String("session_id", sess.ID),
			zap.String("rule", rule.Name),
			zap.Error(err))
		sum.fail(sess.ID, err)
	}
}

func (s *Scheduler) remind(ctx context.Context, rule Rule, id string) error {
	sess, err := s.engine.UpdateSystem(ctx, id, func(sess *domain.Session, def *workflow.Definition) error {
		if !rule.Matches(def, sess, s.sessions.Now()) || sess.RemindersSent >= rule.MaxReminders {
			return errSkip
		}
		to := steps.Recipient(sess)
		if to == "" {
			return domain.Validation("session %s has no recipient", sess.ID)
		}
		vars := map[string]any{
			"session_id": sess.ID,
			"workflow":   string(sess.WorkflowType),
			"status":     string(sess.Status),
			"reminder":   sess.RemindersSent + 1,
		}
		if err := s.sender.Send(ctx, to, rule.Template, vars); err != nil {
			return domain.ExternalService(err, "failed to send reminder")
		}
		sess.RemindersSent++
		return nil
	})
	if err != nil {
		return err
	}
	s.engine.Emit(ctx, domain.EventReminderSent, sess, map[string]any{"reminders_sent": sess.RemindersSent})
	return nil
}

func (s *Scheduler) escalate(ctx context.Context, rule Rule, id string) error {
	if s.cfg.OperatorEmail == "" {
		return domain.Validation("no operator email configured")
	}
	sess, err := s.engine.UpdateSystem(ctx, id, func(sess *domain.Session, def *workflow.Definition) error {
		if sess.Escalated || !rule.Matches(def, sess, s.sessions.Now()) {
			return errSkip
		}
		vars := map[string]any{
			"session_id":      sess.ID,
			"workflow":        string(sess.WorkflowType),
			"status":          string(sess.Status),
			"organization_id": sess.OrganizationID,
			"waiting_since":   sess.LastTransitionAt,
		}
		if err := s.sender.Send(ctx, s.cfg.OperatorEmail, rule.Template, vars); err != nil {
			return domain.ExternalService(err, "failed to send escalation")
		}
		sess.Escalated = true
		return nil
	})
	if err != nil {
		return err
	}
	s.engine.Emit(ctx, domain.EventSessionEscalated, sess, nil)
	return nil
}

func (s *Scheduler) expire(ctx context.Context, id string) error {
	var from domain.Status
	sess, err := s.engine.UpdateSystem(ctx, id, func(sess *domain.Session, def *workflow.Definition) error {
		if !def.CanTransition(sess.Status, domain.StatusExpired) {
			return errSkip
		}
		from = sess.Status
		return session.ApplyTransition(def, sess, domain.StatusExpired, s.sessions.Now())
	})
	if err != nil {
		return err
	}
	s.engine.Emit(ctx, domain.EventSessionExpired, sess, map[string]any{"from": string(from)})
	return nil
}

// recoverCommit fails an interrupted commit. The lock check happens inside
// the engine, so a commit that is still running yields a conflict.
func (s *Scheduler) recoverCommit(ctx context.Context, stale func(*domain.Session, *workflow.Definition) bool, id string) error {
	_, err := s.engine.RecoverCommit(ctx, id, stale)
	return err
}

// processRetries commits sessions whose retry entry is due.
func (s *Scheduler) processRetries(ctx context.Context, sum *Summary) {
	due, err := s.store.DueRetries(ctx, s.sessions.Now(), s.cfg.RetryBatch)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("read retry queue: %v", err))
		return
	}
	sum.Scanned = len(due)

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		result, err := s.engine.RetryCommit(ctx, entry)
		switch {
		case errors.Is(err, domain.ErrConflict):
			sum.SkippedSessions++
		case err != nil:
			s.logger.Warn("commit retry failed",
				zap.String("session_id", entry.SessionID),
				zap.Int("attempt", entry.Attempt),
				zap.Error(err))
			sum.fail(entry.SessionID, err)
		case result == nil:
			sum.Cleaned++
		default:
			sum.Processed++
		}
	}
}
