// Package supervisor keeps a pool of worker processes alive, restarts them
// when they exit and scales the pool with host CPU load.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/vietddude/settler/internal/core/ring"
	"github.com/vietddude/settler/internal/metrics"
)

// State is the lifecycle state of a worker slot.
type State string

const (
	StateStarting         State = "STARTING"
	StateRunning          State = "RUNNING"
	StateRestartScheduled State = "RESTART_SCHEDULED"
	StateRetiring         State = "RETIRING"
)

// Process is a running worker.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(slot int) (Process, error)
}

// LoadSampler reports host CPU load as a percentage.
type LoadSampler interface {
	Sample() (float64, error)
}

type Config struct {
	MaxWorkers       int
	InitialWorkers   int
	RestartDelay     time.Duration
	RestartWindow    time.Duration
	RestartThreshold int
	ScaleInterval    time.Duration
	ScaleUpLoad      float64
	ScaleDownLoad    float64
	LoadWindow       int
	ShutdownTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.InitialWorkers < 1 || c.InitialWorkers > c.MaxWorkers {
		c.InitialWorkers = c.MaxWorkers
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 30 * time.Second
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = time.Minute
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 5
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = time.Minute
	}
	if c.ScaleUpLoad <= 0 {
		c.ScaleUpLoad = 70
	}
	if c.ScaleDownLoad <= 0 {
		c.ScaleDownLoad = 30
	}
	if c.LoadWindow <= 0 {
		c.LoadWindow = 60
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// WorkerHandle is the supervisor's view of one slot.
type WorkerHandle struct {
	Slot                int
	PID                 int
	State               State
	LastExit            error
	ConsecutiveRestarts int
	StartedAt           time.Time

	proc  Process
	timer *time.Timer
	gen   uint64 // invalidates restart timers that were replaced
}

type exitEvent struct {
	slot int
	pid  int
	err  error
}

type restartEvent struct {
	slot int
	gen  uint64
}

type killEvent struct {
	slot int
	pid  int
}

type snapshotRequest struct {
	reply chan []WorkerHandle
}

// Supervisor owns the worker pool. All state is mutated by the goroutine
// running Run; other goroutines talk to it through the events channel.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	sampler LoadSampler
	alerts  AlertSink
	now     func() time.Time
	log     *slog.Logger

	workers  map[int]*WorkerHandle
	restarts []time.Time
	load     *ring.Buffer
	stopping bool

	events chan any
	done   chan struct{}
}

func New(cfg Config, spawner Spawner, sampler LoadSampler, alerts AlertSink) *Supervisor {
	cfg = cfg.withDefaults()
	if alerts == nil {
		alerts = NewLogSink(slog.Default())
	}
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		sampler: sampler,
		alerts:  alerts,
		now:     time.Now,
		log:     slog.Default().With("component", "supervisor"),
		workers: make(map[int]*WorkerHandle),
		load:    ring.New(cfg.LoadWindow),
		events:  make(chan any, 64),
		done:    make(chan struct{}),
	}
}

// Run starts the initial workers and supervises them until ctx is cancelled,
// then shuts the pool down.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	s.log.Info("Starting worker pool",
		"workers", s.cfg.InitialWorkers,
		"max_workers", s.cfg.MaxWorkers,
	)
	for slot := 0; slot < s.cfg.InitialWorkers; slot++ {
		s.spawn(s.addSlot(slot))
	}

	var tick <-chan time.Time
	if s.sampler != nil {
		ticker := time.NewTicker(s.cfg.ScaleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-tick:
			s.handleScaleTick()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Workers returns a snapshot of the pool, ordered by slot. It must not be
// called after Run returned.
func (s *Supervisor) Workers() []WorkerHandle {
	req := snapshotRequest{reply: make(chan []WorkerHandle, 1)}
	select {
	case s.events <- req:
	case <-s.done:
		return nil
	}
	select {
	case out := <-req.reply:
		return out
	case <-s.done:
		return nil
	}
}

func (s *Supervisor) handle(ev any) {
	switch ev := ev.(type) {
	case exitEvent:
		s.handleExit(ev)
	case restartEvent:
		s.handleRestart(ev)
	case killEvent:
		s.handleKill(ev)
	case snapshotRequest:
		ev.reply <- s.snapshot()
	}
}

// send delivers an event to the loop unless the loop is gone.
func (s *Supervisor) send(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) addSlot(slot int) *WorkerHandle {
	h := &WorkerHandle{Slot: slot, State: StateStarting}
	s.workers[slot] = h
	return h
}

func (s *Supervisor) spawn(h *WorkerHandle) {
	h.State = StateStarting
	proc, err := s.spawner.Spawn(h.Slot)
	if err != nil {
		s.log.Error("Failed to start worker", "slot", h.Slot, "error", err)
		h.LastExit = err
		s.scheduleRestart(h)
		return
	}

	h.proc = proc
	h.PID = proc.PID()
	h.State = StateRunning
	h.StartedAt = s.now()
	s.log.Info("Worker started", "slot", h.Slot, "pid", h.PID)
	s.updateGauges()

	go func(slot, pid int) {
		err := proc.Wait()
		s.send(exitEvent{slot: slot, pid: pid, err: err})
	}(h.Slot, h.PID)
}

func (s *Supervisor) handleExit(ev exitEvent) {
	h, ok := s.workers[ev.slot]
	if !ok || h.PID != ev.pid || h.proc == nil {
		return
	}
	h.proc = nil
	h.LastExit = ev.err

	if h.State == StateRetiring || s.stopping {
		s.log.Info("Worker stopped", "slot", h.Slot, "pid", ev.pid)
		delete(s.workers, h.Slot)
		s.updateGauges()
		return
	}

	if s.now().Sub(h.StartedAt) > s.cfg.RestartWindow {
		h.ConsecutiveRestarts = 0
	}
	s.log.Warn("Worker exited, scheduling restart",
		"slot", h.Slot,
		"pid", ev.pid,
		"error", ev.err,
		"delay", s.cfg.RestartDelay,
	)
	s.scheduleRestart(h)
}

// scheduleRestart (re)arms the slot's restart timer. A timer that is
// replaced before it fires is ignored through the generation check.
func (s *Supervisor) scheduleRestart(h *WorkerHandle) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	h.State = StateRestartScheduled
	h.ConsecutiveRestarts++

	slot, gen := h.Slot, h.gen
	h.timer = time.AfterFunc(s.cfg.RestartDelay, func() {
		s.send(restartEvent{slot: slot, gen: gen})
	})

	metrics.WorkerRestarts.Inc()
	s.recordRestart()
	s.updateGauges()
}

func (s *Supervisor) handleRestart(ev restartEvent) {
	h, ok := s.workers[ev.slot]
	if !ok || h.gen != ev.gen || h.State != StateRestartScheduled || s.stopping {
		return
	}
	h.timer = nil
	s.spawn(h)
}

// recordRestart counts restarts inside the rolling window and raises one
// alert each time the count passes the threshold.
func (s *Supervisor) recordRestart() {
	now := s.now()
	cutoff := now.Add(-s.cfg.RestartWindow)

	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)

	if len(s.restarts) <= s.cfg.RestartThreshold {
		return
	}

	alert := Alert{
		Kind: AlertRestartLoop,
		Message: fmt.Sprintf("worker restart loop detected: more than %d restarts within %v",
			s.cfg.RestartThreshold, s.cfg.RestartWindow),
		Restarts: len(s.restarts),
		Window:   s.cfg.RestartWindow,
		At:       now,
	}
	s.restarts = s.restarts[:0]
	metrics.RestartLoopAlerts.Inc()
	s.log.Error("Restart loop detected", "restarts", alert.Restarts, "window", alert.Window)
	go deliver(s.alerts, alert)
}

func (s *Supervisor) handleScaleTick() {
	load, err := s.sampler.Sample()
	if err != nil {
		s.log.Warn("Failed to sample CPU load", "error", err)
		return
	}
	s.load.Push(load)
	metrics.HostCPULoad.Set(load)
	metrics.HostCPULoadAvg.Set(s.load.Average())

	active := s.activeSlots()
	switch {
	case load > s.cfg.ScaleUpLoad && len(active) < s.cfg.MaxWorkers:
		slot := s.freeSlot()
		s.log.Info("Scaling up", "load", load, "slot", slot, "workers", len(active)+1)
		s.spawn(s.addSlot(slot))

	case load < s.cfg.ScaleDownLoad && len(active) > 1:
		h := s.workers[active[len(active)-1]]
		s.log.Info("Scaling down", "load", load, "slot", h.Slot, "workers", len(active)-1)
		s.retire(h)
	}
}

// retire stops a worker without restarting it.
func (s *Supervisor) retire(h *WorkerHandle) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.proc == nil {
		delete(s.workers, h.Slot)
		s.updateGauges()
		return
	}
	h.State = StateRetiring
	s.terminate(h)
	s.updateGauges()
}

// terminate sends SIGTERM and arms a SIGKILL after the shutdown timeout.
func (s *Supervisor) terminate(h *WorkerHandle) {
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("Failed to signal worker", "slot", h.Slot, "pid", h.PID, "error", err)
	}
	slot, pid := h.Slot, h.PID
	time.AfterFunc(s.cfg.ShutdownTimeout, func() {
		s.send(killEvent{slot: slot, pid: pid})
	})
}

func (s *Supervisor) handleKill(ev killEvent) {
	h, ok := s.workers[ev.slot]
	if !ok || h.PID != ev.pid || h.proc == nil {
		return
	}
	if h.State != StateRetiring && !s.stopping {
		return
	}
	s.log.Warn("Worker did not stop in time, killing", "slot", h.Slot, "pid", h.PID)
	if err := h.proc.Kill(); err != nil {
		s.log.Error("Failed to kill worker", "slot", h.Slot, "pid", h.PID, "error", err)
	}
}

// shutdown stops every worker and waits until all have exited. Workers that
// ignore SIGTERM are killed after the shutdown timeout.
func (s *Supervisor) shutdown() {
	s.stopping = true
	s.log.Info("Shutting down worker pool", "workers", len(s.workers))

	for slot, h := range s.workers {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		if h.proc == nil {
			delete(s.workers, slot)
			continue
		}
		s.terminate(h)
	}

	// Kill timers fire after ShutdownTimeout; killed processes get a grace
	// period to be reaped.
	deadline := time.NewTimer(s.cfg.ShutdownTimeout + 5*time.Second)
	defer deadline.Stop()
	for len(s.workers) > 0 {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-deadline.C:
			s.log.Error("Workers still running after shutdown timeout", "workers", len(s.workers))
			return
		}
	}
	s.updateGauges()
	s.log.Info("Worker pool stopped")
}

// activeSlots lists slots that are not being retired, in ascending order.
func (s *Supervisor) activeSlots() []int {
	slots := make([]int, 0, len(s.workers))
	for slot, h := range s.workers {
		if h.State != StateRetiring {
			slots = append(slots, slot)
		}
	}
	sort.Ints(slots)
	return slots
}

func (s *Supervisor) freeSlot() int {
	for slot := 0; ; slot++ {
		if _, ok := s.workers[slot]; !ok {
			return slot
		}
	}
}

func (s *Supervisor) snapshot() []WorkerHandle {
	out := make([]WorkerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		c := *h
		c.proc, c.timer = nil, nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (s *Supervisor) updateGauges() {
	running := 0
	for _, h := range s.workers {
		if h.State == StateRunning {
			running++
		}
	}
	metrics.WorkersRunning.Set(float64(running))
	metrics.WorkersDesired.Set(float64(len(s.activeSlots())))
}
