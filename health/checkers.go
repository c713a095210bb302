package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-bridge/internal/reliability"
)

// PendingSource reports suspended sends. *bridge.Bridge implements it.
type PendingSource interface {
	Pending() int
	MaxPending() int
	Closed() bool
}

// BridgeChecker reports how full the correlation table is
type BridgeChecker struct {
	name          string
	source        PendingSource
	degradedRatio float64
}

// NewBridgeChecker creates a checker that degrades once pending sends reach
// degradedRatio of the limit and fails at the limit.
func NewBridgeChecker(name string, source PendingSource, degradedRatio float64) *BridgeChecker {
	if degradedRatio <= 0 || degradedRatio > 1 {
		degradedRatio = 0.8
	}
	return &BridgeChecker{name: name, source: source, degradedRatio: degradedRatio}
}

func (c *BridgeChecker) Name() string {
	return c.name
}

func (c *BridgeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	pending, limit := c.source.Pending(), c.source.MaxPending()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details: map[string]interface{}{
			"pending":     pending,
			"max_pending": limit,
		},
	}

	switch {
	case c.source.Closed():
		result.Status = StatusUnhealthy
		result.Message = "bridge is closed"
	case limit > 0 && pending >= limit:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("correlation table full: %d pending", pending)
	case limit > 0 && float64(pending) >= float64(limit)*c.degradedRatio:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high pending load: %d of %d", pending, limit)
	default:
		result.Status = StatusHealthy
		result.Message = "bridge is accepting sends"
	}
	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker maps breaker state to health: open is unhealthy,
// half-open degraded
type CircuitBreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

func NewCircuitBreakerChecker(breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.breaker.Name()
}

func (c *CircuitBreakerChecker) Check(context.Context) CheckResult {
	start := time.Now()
	m := c.breaker.Metrics()
	state := c.breaker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":                state.String(),
			"total_requests":       m.TotalRequests,
			"total_failures":       m.TotalFailures,
			"rejected":             m.Rejected,
			"consecutive_failures": m.ConsecutiveFailures,
		},
	}

	switch state {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "circuit is open"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit is probing"
	default:
		result.Status = StatusHealthy
		result.Message = "circuit is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// ConnectionProbe reports broker connectivity. The AMQP transport
// implements it.
type ConnectionProbe interface {
	IsConnected() bool
	LastError() error
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	name  string
	probe ConnectionProbe
}

func NewConnectionChecker(name string, probe ConnectionProbe) *ConnectionChecker {
	return &ConnectionChecker{name: name, probe: probe}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.probe.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		if err := c.probe.LastError(); err != nil {
			result.Error = err.Error()
		}
	}
	result.Duration = time.Since(start)
	return result
}

// MemoryChecker watches goroutine count and heap size
type MemoryChecker struct {
	maxGoroutines int
	maxHeapMB     float64
}

// NewMemoryChecker creates a memory checker. Exceeding a limit is unhealthy,
// exceeding 80% of it is degraded. Zero disables a limit.
func NewMemoryChecker(maxGoroutines int, maxHeapMB float64) *MemoryChecker {
	return &MemoryChecker{maxGoroutines: maxGoroutines, maxHeapMB: maxHeapMB}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	heapMB := float64(m.HeapAlloc) / 1024 / 1024
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "memory usage is normal",
		Details: map[string]interface{}{
			"goroutines":    goroutines,
			"heap_alloc_mb": heapMB,
			"gc_runs":       m.NumGC,
		},
	}

	grade := func(value, limit float64, what string) {
		if limit <= 0 {
			return
		}
		switch {
		case value > limit:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("%s over limit: %.0f > %.0f", what, value, limit)
		case value > limit*0.8 && result.Status == StatusHealthy:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%s near limit: %.0f of %.0f", what, value, limit)
		}
	}
	grade(float64(goroutines), float64(c.maxGoroutines), "goroutines")
	grade(heapMB, c.maxHeapMB, "heap MB")

	result.Duration = time.Since(start)
	return result
}
