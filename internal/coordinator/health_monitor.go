package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/amnesia/internal/metrics"
	"github.com/dreamware/amnesia/internal/model"
)

// Health status values.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ShardTarget is one served shard model to check.
type ShardTarget struct {
	Index int
	Model model.TrainableModel
}

// ShardHealth represents the health status of a served shard model.
type ShardHealth struct {
	LastCheck        time.Time // Timestamp of the last check
	LastHealthy      time.Time // Timestamp of the last passing check
	Status           string    // HealthHealthy, HealthUnhealthy or HealthUnknown
	ShardIndex       int
	ConsecutiveFails int // Number of consecutive failed checks
}

// CheckFunc inspects one shard model and returns an error if it should not
// serve.
type CheckFunc func(t ShardTarget) error

// ShardMonitor periodically checks every served shard model and reports
// shards that fail maxFailures checks in a row.
//
// A served model can degrade without any mutation going through the
// lifecycle manager, for example a corrupt artifact reloaded from storage.
// The default check evaluates the model on a zero probe input and fails on
// non-finite parameters or outputs.
//
// Lifecycle:
//  1. Create with NewShardMonitor
//  2. Optionally set the check function and unhealthy callback
//  3. Start in a goroutine with a target provider
//  4. Stop to cancel the loop and wait for it to exit
type ShardMonitor struct {
	shards      map[int]*ShardHealth
	checkFunc   CheckFunc
	onUnhealthy func(shardIndex int)
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex // Protects shards
	wg          sync.WaitGroup
	maxFailures int
}

// NewShardMonitor creates a monitor checking every interval.
func NewShardMonitor(interval time.Duration, logger *zap.Logger) *ShardMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShardMonitor{
		interval:    interval,
		maxFailures: 3,
		shards:      make(map[int]*ShardHealth),
		checkFunc:   CheckModel,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback run, in its own goroutine, when a shard
// turns unhealthy.
func (h *ShardMonitor) SetOnUnhealthy(callback func(shardIndex int)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the default model check.
func (h *ShardMonitor) SetCheckFunction(fn CheckFunc) {
	h.checkFunc = fn
}

// SetMaxFailures sets how many consecutive failures mark a shard unhealthy.
func (h *ShardMonitor) SetMaxFailures(n int) {
	if n > 0 {
		h.maxFailures = n
	}
}

// Start runs the check loop until ctx or Stop cancels it. It checks once
// immediately, then every interval.
func (h *ShardMonitor) Start(ctx context.Context, provider func() []ShardTarget) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("shard monitor started", zap.Duration("interval", h.interval))
	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			h.logger.Debug("shard monitor stopping", zap.String("reason", "context cancelled"))
			return
		case <-h.ctx.Done():
			h.logger.Debug("shard monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (h *ShardMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckNow runs one round of checks synchronously.
func (h *ShardMonitor) CheckNow(targets []ShardTarget) {
	h.checkAll(targets)
}

func (h *ShardMonitor) checkAll(targets []ShardTarget) {
	current := make(map[int]bool, len(targets))
	for _, t := range targets {
		current[t.Index] = true
		h.check(t)
	}

	h.mu.Lock()
	for i := range h.shards {
		if !current[i] {
			delete(h.shards, i)
			h.logger.Debug("shard no longer monitored", zap.Int("shard", i))
		}
	}
	h.mu.Unlock()
}

func (h *ShardMonitor) check(t ShardTarget) {
	h.mu.Lock()
	health, exists := h.shards[t.Index]
	if !exists {
		now := time.Now()
		health = &ShardHealth{
			ShardIndex:  t.Index,
			Status:      HealthUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.shards[t.Index] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("shard health check failed",
			zap.Int("shard", t.Index),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			metrics.UnhealthyShardsTotal.Inc()
			h.logger.Error("shard marked unhealthy", zap.Int("shard", t.Index))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(t.Index)
			}
		}
		return
	}

	if health.Status == HealthUnhealthy {
		h.logger.Info("shard recovered", zap.Int("shard", t.Index))
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// CheckModel fails if the model's parameters or its output on a zero probe
// input are not finite.
func CheckModel(t ShardTarget) error {
	if t.Model == nil {
		return fmt.Errorf("shard %d has no model", t.Index)
	}
	if !t.Model.Params().IsFinite() {
		return fmt.Errorf("shard %d has non-finite parameters", t.Index)
	}
	probe := make([]float64, t.Model.Architecture().InputDim)
	for _, p := range model.Probabilities(t.Model, probe) {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("shard %d produced non-finite output", t.Index)
		}
	}
	return nil
}

// GetShardHealth returns a copy of the shard's health, or nil if it is not
// monitored.
func (h *ShardMonitor) GetShardHealth(shardIndex int) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.shards[shardIndex]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllShardHealth returns copies of every monitored shard's health.
func (h *ShardMonitor) GetAllShardHealth() map[int]*ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[int]*ShardHealth, len(h.shards))
	for i, health := range h.shards {
		c := *health
		out[i] = &c
	}
	return out
}

// IsHealthy reports whether the shard's last checks passed.
func (h *ShardMonitor) IsHealthy(shardIndex int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.shards[shardIndex]
	return ok && health.Status == HealthHealthy
}

// Targets adapts an Aggregator into a monitor target provider.
func Targets(a *Aggregator) func() []ShardTarget {
	return func() []ShardTarget {
		models := a.Models()
		out := make([]ShardTarget, 0, len(models))
		for _, i := range a.Shards() {
			if m, ok := models[i]; ok {
				out = append(out, ShardTarget{Index: i, Model: m})
			}
		}
		return out
	}
}
