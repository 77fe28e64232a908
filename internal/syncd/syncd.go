// Package syncd keeps the knowledge graph synchronized with the
// working tree: a filesystem watcher feeds a debounced priority queue,
// worker goroutines run the per-file pipeline, and background passes
// reconcile deferred references and write checkpoints.
package syncd

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/extract"
	"github.com/anthropics/ckg/internal/graph"
)

// Config controls the coordinator. Zero values fall back to defaults.
type Config struct {
	Root               string        `json:"root"`
	Debounce           time.Duration `json:"debounce"`
	Workers            int           `json:"workers"`
	QueueCapacity      int           `json:"queueCapacity"`
	CheckpointInterval time.Duration `json:"checkpointInterval"`
	ReconcileInterval  time.Duration `json:"reconcileInterval"`
	ReconcileBatch     int           `json:"reconcileBatch"`
	ConflictStrategies []Strategy    `json:"conflictStrategies"`
	EmbedBatchSize     int           `json:"embedBatchSize"`
}

// DefaultConfig returns the standard configuration for a root.
func DefaultConfig(root string) Config {
	return Config{
		Root:               root,
		Debounce:           DefaultDebounce,
		Workers:            defaultWorkers(),
		QueueCapacity:      1000,
		CheckpointInterval: 5 * time.Minute,
		ReconcileInterval:  time.Minute,
		ReconcileBatch:     500,
		ConflictStrategies: []Strategy{LastWriteWins},
		EmbedBatchSize:     32,
	}
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Root)
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = d.ReconcileBatch
	}
	if len(c.ConflictStrategies) == 0 {
		c.ConflictStrategies = d.ConflictStrategies
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
}

// Status is the coordinator's observable state.
type Status struct {
	Running        bool       `json:"running"`
	StartedAt      time.Time  `json:"startedAt,omitempty"`
	FilesProcessed int        `json:"filesProcessed"`
	FilesSkipped   int        `json:"filesSkipped"`
	FilesDeleted   int        `json:"filesDeleted"`
	Errors         int        `json:"errors"`
	Conflicts      int        `json:"conflicts"`
	VersionBumps   int        `json:"versionBumps"`
	LastCheckpoint string     `json:"lastCheckpoint,omitempty"`
	LastActivity   time.Time  `json:"lastActivity,omitempty"`
	Queue          QueueStats `json:"queue"`
}

// Hooks let observers track coordinator activity without coupling the
// sync path to the monitoring layer. All fields are optional.
type Hooks struct {
	FileProcessed func(*Outcome)
	SyncError     func(path string, err error)
	Checkpoint    func(id string, entities int)
	Reconciled    func(*ReconcileResult)
}

// Coordinator owns the watch-queue-commit loop for one repository root.
type Coordinator struct {
	cfg      Config
	stores   Stores
	pipeline *Pipeline
	queue    *workQueue
	filter   *PathFilter
	watcher  *Watcher

	reconciler   *Reconciler
	checkpointer *Checkpointer
	embed        *embeddings.Service
	hooks        Hooks
	logger       *zap.Logger

	locks pathLocks

	mu        sync.Mutex
	status    Status
	touched   []string
	sinceCkpt int

	embedCh  chan []*graph.Entity
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator wires the coordinator. embed may be nil to disable
// embedding generation; checker may be nil to disable type-checked
// resolution.
func NewCoordinator(cfg Config, stores Stores, embed *embeddings.Service, checker extract.TypeChecker, hooks Hooks, logger *zap.Logger) (*Coordinator, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("syncd: root directory required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := NewResolver(cfg.ConflictStrategies)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:          cfg,
		stores:       stores,
		pipeline:     NewPipeline(cfg.Root, stores, resolver, checker, logger),
		queue:        newWorkQueue(cfg.QueueCapacity),
		filter:       NewPathFilter(cfg.Root),
		reconciler:   NewReconciler(stores, logger),
		checkpointer: NewCheckpointer(stores, logger),
		embed:        embed,
		hooks:        hooks,
		logger:       logger.Named("syncd"),
		locks:        pathLocks{held: map[string]*sync.Mutex{}},
		embedCh:      make(chan []*graph.Entity, 64),
		shutdown:     make(chan struct{}),
	}, nil
}

// Start launches the watcher, workers, and background passes. It
// returns once everything is running; Stop shuts it down.
func (c *Coordinator) Start(ctx context.Context) error {
	w, err := NewWatcher(c.cfg.Root, c.filter, c.cfg.Debounce, c.Enqueue, c.logger)
	if err != nil {
		return err
	}
	c.watcher = w

	c.mu.Lock()
	c.status.Running = true
	c.status.StartedAt = time.Now().UTC()
	c.mu.Unlock()

	// Workers outlive the Start call's context; shutdown is explicit.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.workerLoop(runCtx)
			return nil
		})
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		g.Wait()
	}()

	c.wg.Add(2)
	go c.embedLoop(runCtx)
	go c.backgroundLoop(runCtx)
	c.logger.Info("sync coordinator started",
		zap.String("root", c.cfg.Root),
		zap.Int("workers", c.cfg.Workers))
	return nil
}

// Enqueue submits one event to the work queue, bypassing the watcher.
// Callers classify the path themselves when they care about priority.
func (c *Coordinator) Enqueue(ev Event) {
	c.queue.Push(ev)
}

// FullScan walks the root and enqueues every eligible file. Used by
// initial indexing and explicit reindex requests.
func (c *Coordinator) FullScan() (int, error) {
	count := 0
	err := filepath.WalkDir(c.cfg.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(c.cfg.Root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && c.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if c.filter.SkipFile(rel) {
			return nil
		}
		c.Enqueue(Event{Path: rel, Op: OpUpsert, Priority: ClassifyPath(rel)})
		count++
		return nil
	})
	return count, err
}

func (c *Coordinator) workerLoop(ctx context.Context) {
	for {
		ev, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.processEvent(ctx, ev)
	}
}

// processEvent runs the pipeline under the per-path lock so two events
// for one file never interleave their commits.
func (c *Coordinator) processEvent(ctx context.Context, ev Event) {
	unlock := c.locks.lock(ev.Path)
	defer unlock()

	out, err := c.pipeline.Process(ctx, ev)
	c.record(out, err)
	if err != nil {
		c.logger.Warn("sync failed", zap.String("path", ev.Path), zap.Error(err))
		if c.hooks.SyncError != nil {
			c.hooks.SyncError(ev.Path, err)
		}
		return
	}
	if c.hooks.FileProcessed != nil {
		c.hooks.FileProcessed(out)
	}
	if c.embed != nil && len(out.Embeddable) > 0 {
		select {
		case c.embedCh <- out.Embeddable:
		default:
			// Embedding is best-effort; a full channel drops the batch
			// rather than stalling commits.
			c.logger.Debug("embed queue full", zap.String("path", ev.Path))
		}
	}
}

func (c *Coordinator) record(out *Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastActivity = time.Now().UTC()
	if err != nil {
		c.status.Errors++
		return
	}
	switch {
	case out.Deleted:
		c.status.FilesDeleted++
	case out.Skipped:
		c.status.FilesSkipped++
	default:
		c.status.FilesProcessed++
		c.sinceCkpt++
		c.touched = append(c.touched, out.ChangedEntityIDs...)
	}
	c.status.Conflicts += out.Conflicts
	c.status.VersionBumps += out.VersionBumps
}

func (c *Coordinator) embedLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdown:
			return
		case batch := <-c.embedCh:
			if _, err := c.embed.BatchEmbed(ctx, batch, embeddings.BatchOptions{
				BatchSize: c.cfg.EmbedBatchSize,
			}); err != nil {
				c.logger.Warn("embedding batch failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) backgroundLoop(ctx context.Context) {
	defer c.wg.Done()
	reconcile := time.NewTicker(c.cfg.ReconcileInterval)
	checkpoint := time.NewTicker(c.cfg.CheckpointInterval)
	defer reconcile.Stop()
	defer checkpoint.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-reconcile.C:
			c.runReconcile(ctx)
		case <-checkpoint.C:
			c.runCheckpoint(ctx)
		}
	}
}

func (c *Coordinator) runReconcile(ctx context.Context) {
	res, err := c.reconciler.Run(ctx, c.cfg.ReconcileBatch, "reconcile:"+time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		c.logger.Warn("reconciliation failed", zap.Error(err))
		return
	}
	if c.hooks.Reconciled != nil {
		c.hooks.Reconciled(res)
	}
}

func (c *Coordinator) runCheckpoint(ctx context.Context) {
	c.mu.Lock()
	touched := c.touched
	files := c.sinceCkpt
	c.touched = nil
	c.sinceCkpt = 0
	c.mu.Unlock()
	if len(touched) == 0 {
		return
	}
	id, err := c.checkpointer.Write(ctx, touched, files)
	if err != nil {
		c.logger.Warn("checkpoint failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.status.LastCheckpoint = id
	c.mu.Unlock()
	if c.hooks.Checkpoint != nil {
		c.hooks.Checkpoint(id, len(touched))
	}
}

// Stop drains and shuts everything down. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.once.Do(func() {
		if c.watcher != nil {
			c.watcher.Close()
		}
		c.queue.Close()
		close(c.shutdown)
		c.wg.Wait()
		c.mu.Lock()
		c.status.Running = false
		c.mu.Unlock()
		c.logger.Info("sync coordinator stopped")
	})
}

// Status returns a snapshot of coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	st.Queue = c.queue.Stats()
	return st
}

// pathLocks serializes pipeline runs per repository-relative path.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (l *pathLocks) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.held[key]
	if !ok {
		m = &sync.Mutex{}
		l.held[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
