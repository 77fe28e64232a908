// Package monitor tracks sync operations, performance, health, alerts,
// and an in-memory log, and exports the aggregate state through
// prometheus. Everything lives in process; durable history belongs to
// the graph itself.
package monitor

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Defaults for monitor capacities and intervals.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultRetention      = 24 * time.Hour
	alertCap              = 100
	logCap                = 1000
)

// OpStatus is an operation's lifecycle state.
type OpStatus string

const (
	OpRunning   OpStatus = "running"
	OpSucceeded OpStatus = "succeeded"
	OpFailed    OpStatus = "failed"
)

// Counters accumulate per-operation work totals.
type Counters struct {
	FilesProcessed       int `json:"filesProcessed"`
	EntitiesCreated      int `json:"entitiesCreated"`
	EntitiesUpdated      int `json:"entitiesUpdated"`
	EntitiesDeleted      int `json:"entitiesDeleted"`
	RelationshipsCreated int `json:"relationshipsCreated"`
	RelationshipsUpdated int `json:"relationshipsUpdated"`
	RelationshipsDeleted int `json:"relationshipsDeleted"`
}

func (c *Counters) add(d Counters) {
	c.FilesProcessed += d.FilesProcessed
	c.EntitiesCreated += d.EntitiesCreated
	c.EntitiesUpdated += d.EntitiesUpdated
	c.EntitiesDeleted += d.EntitiesDeleted
	c.RelationshipsCreated += d.RelationshipsCreated
	c.RelationshipsUpdated += d.RelationshipsUpdated
	c.RelationshipsDeleted += d.RelationshipsDeleted
}

// Operation is one tracked unit of sync work.
type Operation struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      OpStatus  `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Counters    Counters  `json:"counters"`
	Errors      []string  `json:"errors,omitempty"`
	Conflicts   []string  `json:"conflicts,omitempty"`
}

// HealthState is the derived overall condition.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is one health evaluation.
type HealthStatus struct {
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	ErrorRate           float64     `json:"errorRate"`
	QueueDepth          int         `json:"queueDepth"`
	ActiveOperations    int         `json:"activeOperations"`
	CheckedAt           time.Time   `json:"checkedAt"`
}

// Stats is a monitor snapshot.
type Stats struct {
	OperationsTotal      int                      `json:"operationsTotal"`
	OperationsSuccessful int                      `json:"operationsSuccessful"`
	OperationsFailed     int                      `json:"operationsFailed"`
	Totals               Counters                 `json:"totals"`
	ErrorRate            float64                  `json:"errorRate"`
	ThroughputPerMinute  float64                  `json:"throughputPerMinute"`
	StageAverages        map[string]time.Duration `json:"stageAverages"`
	CacheHitRate         float64                  `json:"cacheHitRate"`
	Memory               MemoryStats              `json:"memory"`
	Health               HealthStatus             `json:"health"`
	Uptime               time.Duration            `json:"uptime"`
}

// MemoryStats samples process memory usage from the Go runtime. IO
// wait is not exposed by the runtime and is not reported.
type MemoryStats struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	HeapSysBytes   uint64 `json:"heapSysBytes"`
	StackSysBytes  uint64 `json:"stackSysBytes"`
	NumGC          uint32 `json:"numGC"`
	Goroutines     int    `json:"goroutines"`
}

func sampleMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		StackSysBytes:  ms.StackSys,
		NumGC:          ms.NumGC,
		Goroutines:     runtime.NumGoroutine(),
	}
}

// Monitor aggregates operations, timings, health, alerts, and logs.
type Monitor struct {
	logger *zap.Logger
	prom   *promMetrics
	bus    *broadcaster

	healthInterval time.Duration
	retention      time.Duration
	now            func() time.Time

	mu         sync.Mutex
	startedAt  time.Time
	operations map[string]*Operation
	totals     Counters

	opsTotal, opsSucceeded, opsFailed int
	consecutiveFailures               int
	queueDepth                        int
	cacheHitRate                      float64

	stageTotals map[string]time.Duration
	stageCounts map[string]int

	alerts *ring[*Alert]
	logs   map[LogSeverity]*ring[LogEntry]

	health HealthStatus

	done chan struct{}
	once sync.Once
}

// Option tunes a Monitor.
type Option func(*Monitor)

// WithHealthInterval overrides the periodic health check cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Monitor) { m.healthInterval = d }
}

// WithRetention overrides how long Cleanup keeps records.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) { m.retention = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. reg may be nil to skip prometheus
// registration.
func New(reg prometheus.Registerer, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:         logger.Named("monitor"),
		prom:           newPromMetrics(reg),
		bus:            newBroadcaster(),
		healthInterval: DefaultHealthInterval,
		retention:      DefaultRetention,
		now:            func() time.Time { return time.Now().UTC() },
		operations:     map[string]*Operation{},
		stageTotals:    map[string]time.Duration{},
		stageCounts:    map[string]int{},
		alerts:         newRing[*Alert](alertCap),
		logs: map[LogSeverity]*ring[LogEntry]{
			LogDebug: newRing[LogEntry](logCap),
			LogInfo:  newRing[LogEntry](logCap),
			LogWarn:  newRing[LogEntry](logCap),
			LogError: newRing[LogEntry](logCap),
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	m.health = HealthStatus{State: HealthHealthy, CheckedAt: m.startedAt}
	go m.healthLoop()
	return m
}

// Close stops the health loop.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
}

// Subscribe registers a callback for one event type; the returned
// function unsubscribes. Callbacks run on the publishing goroutine.
func (m *Monitor) Subscribe(t EventType, fn func(Event)) func() {
	return m.bus.subscribe(t, fn)
}

// StartOperation begins tracking a unit of work and returns its id.
func (m *Monitor) StartOperation(kind string) string {
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    OpRunning,
		StartedAt: m.now(),
	}
	m.mu.Lock()
	m.operations[op.ID] = op
	m.opsTotal++
	active := m.activeLocked()
	m.mu.Unlock()

	m.prom.activeOps.Set(float64(active))
	m.log(LogInfo, fmt.Sprintf("operation %s started", kind), op.ID)
	m.bus.publish(Event{Type: EventOperationStarted, Payload: snapshotOp(op)})
	return op.ID
}

// AddCounters accumulates work totals onto a running operation.
func (m *Monitor) AddCounters(id string, d Counters) {
	m.mu.Lock()
	if op, ok := m.operations[id]; ok && op.Status == OpRunning {
		op.Counters.add(d)
	}
	m.totals.add(d)
	m.mu.Unlock()

	m.prom.filesProcessed.Add(float64(d.FilesProcessed))
	m.prom.entitiesWritten.Add(float64(d.EntitiesCreated + d.EntitiesUpdated))
	m.prom.relationshipsWritten.Add(float64(d.RelationshipsCreated + d.RelationshipsUpdated))
}

// RecordError attaches an error to an operation without ending it.
func (m *Monitor) RecordError(id string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if op, ok := m.operations[id]; ok {
		op.Errors = append(op.Errors, err.Error())
	}
	m.mu.Unlock()
	m.prom.syncErrors.Inc()
	m.log(LogError, err.Error(), id)
}

// RecordConflict attaches a conflict note to an operation.
func (m *Monitor) RecordConflict(id, detail string) {
	m.mu.Lock()
	if op, ok := m.operations[id]; ok {
		op.Conflicts = append(op.Conflicts, detail)
	}
	m.mu.Unlock()
	m.prom.conflicts.Inc()
}

// CompleteOperation marks an operation successful.
func (m *Monitor) CompleteOperation(id string) {
	m.finish(id, OpSucceeded)
}

// FailOperation marks an operation failed, recording the error.
func (m *Monitor) FailOperation(id string, err error) {
	if err != nil {
		m.RecordError(id, err)
	}
	m.finish(id, OpFailed)
}

func (m *Monitor) finish(id string, status OpStatus) {
	m.mu.Lock()
	op, ok := m.operations[id]
	if !ok || op.Status != OpRunning {
		m.mu.Unlock()
		return
	}
	op.Status = status
	op.CompletedAt = m.now()
	if status == OpSucceeded {
		m.opsSucceeded++
		m.consecutiveFailures = 0
	} else {
		m.opsFailed++
		m.consecutiveFailures++
	}
	active := m.activeLocked()
	m.mu.Unlock()

	m.prom.activeOps.Set(float64(active))
	m.prom.operations.WithLabelValues(string(status)).Inc()
	eventType := EventOperationCompleted
	severity := LogInfo
	if status == OpFailed {
		eventType = EventOperationFailed
		severity = LogWarn
	}
	m.log(severity, fmt.Sprintf("operation %s %s", op.Kind, status), id)
	m.bus.publish(Event{Type: eventType, Payload: snapshotOp(op)})
}

// GetOperation returns a copy of one operation.
func (m *Monitor) GetOperation(id string) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, false
	}
	return snapshotOp(op), true
}

// RecordStage accumulates a pipeline stage timing (parse, graphUpdate,
// embedding) into the running averages.
func (m *Monitor) RecordStage(stage string, d time.Duration) {
	m.mu.Lock()
	m.stageTotals[stage] += d
	m.stageCounts[stage]++
	m.mu.Unlock()
	m.prom.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// SetQueueDepth updates the observed work-queue depth.
func (m *Monitor) SetQueueDepth(n int) {
	m.mu.Lock()
	m.queueDepth = n
	m.mu.Unlock()
	m.prom.queueDepth.Set(float64(n))
}

// SetCacheHitRate updates the observed embedding-cache hit rate.
func (m *Monitor) SetCacheHitRate(rate float64) {
	m.mu.Lock()
	m.cacheHitRate = rate
	m.mu.Unlock()
}

// TriggerAlert records an alert and notifies subscribers.
func (m *Monitor) TriggerAlert(level AlertLevel, message, operationID string) *Alert {
	a := newAlert(level, message, operationID, m.now())
	m.mu.Lock()
	m.alerts.push(a)
	m.mu.Unlock()

	m.prom.alerts.WithLabelValues(string(level)).Inc()
	m.log(LogWarn, "alert: "+message, operationID)
	m.bus.publish(Event{Type: EventAlertTriggered, Payload: copyAlert(a)})
	return copyAlert(a)
}

// ResolveAlert marks an alert resolved; the record is retained.
func (m *Monitor) ResolveAlert(id, note string) bool {
	m.mu.Lock()
	var resolved *Alert
	for _, a := range m.alerts.all() {
		if a.ID == id && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = m.now()
			a.Note = note
			resolved = a
			break
		}
	}
	m.mu.Unlock()
	if resolved == nil {
		return false
	}
	m.bus.publish(Event{Type: EventAlertResolved, Payload: copyAlert(resolved)})
	return true
}

// Alerts returns alerts oldest first.
func (m *Monitor) Alerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0)
	for _, a := range m.alerts.all() {
		out = append(out, copyAlert(a))
	}
	return out
}

// Log appends one entry to the severity's ring.
func (m *Monitor) Log(severity LogSeverity, message, operationID string) {
	m.log(severity, message, operationID)
}

func (m *Monitor) log(severity LogSeverity, message, operationID string) {
	entry := LogEntry{
		Time:        m.now(),
		Severity:    severity,
		Message:     message,
		OperationID: operationID,
	}
	m.mu.Lock()
	if r, ok := m.logs[severity]; ok {
		r.push(entry)
	}
	m.mu.Unlock()
}

// Logs returns entries of one severity, oldest first.
func (m *Monitor) Logs(severity LogSeverity) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.logs[severity]; ok {
		return r.all()
	}
	return nil
}

// LogsByOperation returns every entry attached to an operation, across
// severities, oldest first.
func (m *Monitor) LogsByOperation(id string) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, sev := range []LogSeverity{LogDebug, LogInfo, LogWarn, LogError} {
		for _, e := range m.logs[sev].all() {
			if e.OperationID == id {
				out = append(out, e)
			}
		}
	}
	sortByTime(out)
	return out
}

// Cleanup drops operations, log entries, and unresolved alerts older
// than the retention window. Resolved alerts age out the same way.
func (m *Monitor) Cleanup() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, op := range m.operations {
		if op.Status != OpRunning && !op.StartedAt.After(cutoff) {
			delete(m.operations, id)
			removed++
		}
	}
	for _, r := range m.logs {
		before := r.n
		r.filter(func(e LogEntry) bool { return e.Time.After(cutoff) })
		removed += before - r.n
	}
	before := m.alerts.n
	m.alerts.filter(func(a *Alert) bool { return a.TriggeredAt.After(cutoff) })
	removed += before - m.alerts.n
	return removed
}

// CheckHealth evaluates health immediately and publishes the result.
func (m *Monitor) CheckHealth() HealthStatus {
	mem := sampleMemory()
	m.mu.Lock()
	status := HealthStatus{
		ConsecutiveFailures: m.consecutiveFailures,
		ErrorRate:           m.errorRateLocked(),
		QueueDepth:          m.queueDepth,
		ActiveOperations:    m.activeLocked(),
		CheckedAt:           m.now(),
	}
	status.State = deriveHealth(status)
	m.health = status
	m.mu.Unlock()

	m.prom.healthState.Set(healthGaugeValue(status.State))
	m.prom.heapBytes.Set(float64(mem.HeapAllocBytes))
	m.bus.publish(Event{Type: EventHealthCheck, Payload: status})
	return status
}

// Health returns the last evaluated status.
func (m *Monitor) Health() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// GetStats returns a full snapshot.
func (m *Monitor) GetStats() Stats {
	mem := sampleMemory()
	m.mu.Lock()
	defer m.mu.Unlock()
	uptime := m.now().Sub(m.startedAt)
	stats := Stats{
		OperationsTotal:      m.opsTotal,
		OperationsSuccessful: m.opsSucceeded,
		OperationsFailed:     m.opsFailed,
		Totals:               m.totals,
		ErrorRate:            m.errorRateLocked(),
		CacheHitRate:         m.cacheHitRate,
		Memory:               mem,
		Health:               m.health,
		Uptime:               uptime,
		StageAverages:        map[string]time.Duration{},
	}
	if minutes := uptime.Minutes(); minutes > 0 {
		stats.ThroughputPerMinute = float64(m.totals.FilesProcessed) / minutes
	}
	for stage, total := range m.stageTotals {
		if n := m.stageCounts[stage]; n > 0 {
			stats.StageAverages[stage] = total / time.Duration(n)
		}
	}
	return stats
}

func (m *Monitor) healthLoop() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

func (m *Monitor) activeLocked() int {
	n := 0
	for _, op := range m.operations {
		if op.Status == OpRunning {
			n++
		}
	}
	return n
}

func (m *Monitor) errorRateLocked() float64 {
	finished := m.opsSucceeded + m.opsFailed
	if finished == 0 {
		return 0
	}
	return float64(m.opsFailed) / float64(finished)
}

// deriveHealth maps raw signals to a state. Thresholds: five straight
// failures or a majority error rate is unhealthy; two failures, a 10%
// error rate, or a deep queue is degraded.
func deriveHealth(s HealthStatus) HealthState {
	switch {
	case s.ConsecutiveFailures >= 5 || s.ErrorRate > 0.5:
		return HealthUnhealthy
	case s.ConsecutiveFailures >= 2 || s.ErrorRate > 0.1 || s.QueueDepth > 500:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func snapshotOp(op *Operation) *Operation {
	cp := *op
	cp.Errors = append([]string(nil), op.Errors...)
	cp.Conflicts = append([]string(nil), op.Conflicts...)
	return &cp
}

func copyAlert(a *Alert) *Alert {
	cp := *a
	return &cp
}

func sortByTime(entries []LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
}
