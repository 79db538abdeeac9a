// Package scheduler runs compilation jobs off the host primary context and hands their objects
// to the linker on it.
//
// Per key at most one job compiles at a time. A submission arriving meanwhile is queued, and a
// later one replaces the queued one. When the running job finishes while a newer submission
// waits, its result is discarded without notification and the newer job starts; so rapid
// resubmissions end in a single completion carrying the last submission's outcome. A job
// superseded while linking keeps its module live until the newer job replaces it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/objfile"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

var (
	// ErrNoSources fails a job submitted without sources.
	ErrNoSources = errors.New("job has no sources")
	// ErrClosed occurs when submitting to a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

type (
	// Compiler produces objects of a unit, usually a *toolchain.Producer.
	Compiler interface {
		Compile(ctx context.Context, unit toolchain.Unit) (*toolchain.Result, error)
	}
	// Linker accepts and finalizes modules, usually a *linker.Linker.
	Linker interface {
		Link(key string, bufs []objfile.Buffer, resolver linker.Resolver) (*linker.Module, error)
		Finalize(m *linker.Module) error
	}
	// Options of a Scheduler.
	Options struct {
		Workers     int              // concurrent compilations, default runtime.NumCPU
		OnCompleted func(Completion) // called on the dispatcher
	}
)

// Scheduler of compilation jobs.
type Scheduler struct {
	compiler    Compiler
	linker      Linker
	dispatch    Dispatcher
	onCompleted func(Completion)
	sem         *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	entries map[string]*entry
	closed  bool
}

type (
	entry struct {
		running *run
		queued  *run
		state   State // of the latest submission
		seq     uint64
		err     error
	}
	run struct {
		job Job
		seq uint64
	}
)

func New(c Compiler, l Linker, d Dispatcher, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if d == nil {
		d = Immediate
	}
	s := &Scheduler{
		compiler:    c,
		linker:      l,
		dispatch:    d,
		onCompleted: opts.OnCompleted,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		entries:     make(map[string]*entry),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Submit a job. It returns at once; the outcome arrives as a Completion.
func (s *Scheduler) Submit(job Job) (seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	r := &run{job: job, seq: s.seq}
	e, ok := s.entries[job.Key]
	if !ok {
		e = new(entry)
		s.entries[job.Key] = e
	}
	e.state, e.seq, e.err = Pending, r.seq, nil
	switch {
	case e.running == nil:
		s.startLocked(e, r)
	case e.queued != nil:
		Logger().Debug("job superseded while queued", zap.String("key", job.Key), zap.Uint64("seq", e.queued.seq))
		e.queued = r
	default:
		Logger().Debug("job queued behind running", zap.String("key", job.Key), zap.Uint64("running", e.running.seq))
		e.queued = r
	}
	Logger().Debug("job submitted", zap.String("key", job.Key), zap.Uint64("seq", r.seq), zap.Int("sources", len(job.Sources)))
	return r.seq, nil
}

func (s *Scheduler) startLocked(e *entry, r *run) {
	e.running = r
	s.wg.Add(1)
	go s.work(e, r)
}

// supersededLocked reports whether a newer submission waits behind r.
func (s *Scheduler) supersededLocked(e *entry, r *run) bool {
	return e.running == r && e.queued != nil
}

// advanceLocked ends r and starts the queued job if any.
func (s *Scheduler) advanceLocked(e *entry, r *run) {
	if e.running != r {
		return
	}
	e.running = nil
	if next := e.queued; next != nil && !s.closed {
		e.queued = nil
		s.startLocked(e, next)
	}
}

func (s *Scheduler) work(e *entry, r *run) {
	defer s.wg.Done()
	key := r.job.Key
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		Logger().Debug("job dropped", zap.String("key", key), zap.Uint64("seq", r.seq), zap.Error(err))
		s.mu.Lock()
		s.advanceLocked(e, r)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	if e.queued == nil {
		e.state = Compiling
	}
	s.mu.Unlock()

	var res *toolchain.Result
	var err error
	if len(r.job.Sources) == 0 {
		err = fmt.Errorf("%w: %s", ErrNoSources, key)
	} else {
		Logger().Debug("job started", zap.String("key", key), zap.Uint64("seq", r.seq))
		res, err = s.compiler.Compile(s.ctx, r.job.unit())
	}
	s.sem.Release(1)

	s.dispatch.Post(func() { s.finish(e, r, res, err) })
}

// finish runs on the dispatcher: link and finalize a compiled job, then notify.
func (s *Scheduler) finish(e *entry, r *run, res *toolchain.Result, err error) {
	key := r.job.Key
	c := Completion{Job: r.job, Seq: r.seq}
	if res != nil {
		c.Warnings = res.Warnings
	}
	s.mu.Lock()
	if s.supersededLocked(e, r) || s.ctx.Err() != nil {
		Logger().Warn("discard superseded result", zap.String("key", key), zap.Uint64("seq", r.seq), zap.Error(err))
		s.advanceLocked(e, r)
		s.mu.Unlock()
		return
	}
	if err == nil {
		e.state = LinkPending
	}
	s.mu.Unlock()

	if err == nil {
		c.Module, err = s.link(r.job, res.Objects)
	}
	if err != nil {
		c.State, c.Err, c.Module = Failed, err, nil
	} else {
		c.State = Finalized
	}

	s.mu.Lock()
	if s.supersededLocked(e, r) {
		// the queued job relinks the key, its completion is the one reported
		Logger().Debug("discard result superseded while linking", zap.String("key", key), zap.Uint64("seq", r.seq), zap.Stringer("state", c.State))
		s.advanceLocked(e, r)
		s.mu.Unlock()
		return
	}
	if e.running == r {
		e.state, e.err = c.State, c.Err
	}
	s.advanceLocked(e, r)
	s.mu.Unlock()

	Logger().Debug("job finished", zap.String("key", key), zap.Uint64("seq", r.seq), zap.Stringer("state", c.State), zap.Error(c.Err))
	if s.onCompleted != nil {
		s.onCompleted(c)
	}
}

func (s *Scheduler) link(job Job, objects []objfile.Buffer) (*linker.Module, error) {
	m, err := s.linker.Link(job.Key, objects, job.Resolver)
	if err != nil {
		return nil, err
	}
	if err = s.linker.Finalize(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Report is the status of the latest submission of a key.
type Report struct {
	State State
	Seq   uint64
	Err   error // failure of a Failed job
}

// Status of the latest submission for key.
func (s *Scheduler) Status(key string) (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Report{}, false
	}
	return Report{State: e.state, Seq: e.seq, Err: e.err}, true
}

// Close stops accepting jobs, cancels running compilations and waits for the workers. Queued
// jobs are dropped without notification.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}
