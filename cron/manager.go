package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type jobEntry struct {
	types.JobEntry
	job func()
}

// Manager runs the recurring background jobs of the orchestration core
// (cache warming, memory checks) on a robfig/cron scheduler.
type Manager struct {
	logger          types.Logger
	cron            *cron.Cron
	jobs            map[string]*jobEntry
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
}

func NewManager(config *types.CronConfig, logger types.Logger) *Manager {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if loc, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = loc
		} else {
			logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", config.Timezone))
		}
	}

	cronL := safeCronLogger{logger: logger}

	manager := &Manager{
		logger: logger,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]*jobEntry),
		shutdownTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getState() == StateStopping {
		return types.ErrCronSchedulerStopped
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &jobEntry{
		JobEntry: types.JobEntry{
			ID:      entryID,
			Name:    jobName,
			Spec:    spec,
			AddedAt: time.Now(),
		},
		job: job,
	}

	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}

	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// Every schedules job at a fixed interval. The scheduler has one-second
// resolution, shorter intervals are rounded up.
func (m *Manager) Every(jobName string, interval time.Duration, job func()) error {
	if interval <= 0 {
		return types.Errorf(types.ErrCronExpressionInvalid, "interval must be positive, got %v", interval)
	}
	if interval < time.Second {
		interval = time.Second
	}
	return m.Add(jobName, fmt.Sprintf("@every %s", interval), job)
}

// Replace removes any job registered under jobName and schedules job in its place.
func (m *Manager) Replace(jobName string, interval time.Duration, job func()) error {
	if err := m.Remove(jobName); err != nil && !types.IsError(err, types.ErrCronJobNotFound) {
		return err
	}
	return m.Every(jobName, interval, job)
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return types.ErrCronJobNotFound
	}

	m.cron.Remove(entry.ID)
	delete(m.jobs, jobName)

	m.logger.Debug("Cron job removed", zap.String("job_name", jobName))
	return nil
}

// Run executes a registered job immediately on the calling goroutine.
func (m *Manager) Run(jobName string) error {
	m.mu.RLock()
	entry, exists := m.jobs[jobName]
	m.mu.RUnlock()

	if !exists {
		return types.ErrCronJobNotFound
	}

	m.wrapJob(jobName, entry.job)()
	return nil
}

func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, entry.JobEntry)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	m.cron.Start()
	m.setState(StateRunning)

	m.logger.Info("Cron manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("Cron scheduler stopped gracefully")
	case <-ctx.Done():
		m.logger.Warn("Cron scheduler stop timeout, running jobs were abandoned")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) {
	m.state.Store(newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Cron job panicked",
					zap.String("job_name", jobName),
					zap.Any("panic", r))
			}
		}()

		startTime := time.Now()
		m.logger.Debug("Cron job started", zap.String("job_name", jobName))

		job()

		duration := time.Since(startTime)
		m.updateJobStats(jobName, startTime, duration)

		m.logger.Debug("Cron job completed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration))
	}
}

func (m *Manager) updateJobStats(jobName string, startTime time.Time, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastRun = startTime
	entry.LastDuration = duration
	entry.RunCount++

	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(toFields(keysAndValues), zap.Error(err))
	l.logger.Error(msg, fields...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
