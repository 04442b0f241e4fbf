package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus 依赖健康状态
type HealthStatus struct {
	Status    string        `json:"status"` // healthy, unhealthy
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthCheckFunc 单个依赖的检查函数
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker 并发检查已注册的依赖
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{checks: make(map[string]HealthCheckFunc), timeout: timeout}
}

// Register 注册检查
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Names 已注册的依赖名
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check 执行全部检查，返回各依赖状态以及是否全部健康
func (h *HealthChecker) Check(ctx context.Context) (map[string]HealthStatus, bool) {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, p := range h.checks {
		checks[name] = p
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]HealthStatus, len(checks))
		healthy = true
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()
			start := time.Now()
			err := check(ctx)
			status := HealthStatus{Status: "healthy", Latency: time.Since(start), Timestamp: time.Now()}
			if err != nil {
				status.Status = "unhealthy"
				status.Message = err.Error()
			}
			mu.Lock()
			results[name] = status
			if err != nil {
				healthy = false
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results, healthy
}

// ReadyCheck 把 Ready() bool 形式的检查适配为检查函数
func ReadyCheck(name string, ready func() bool) HealthCheckFunc {
	return func(ctx context.Context) error {
		if !ready() {
			return fmt.Errorf("%s is not ready", name)
		}
		return nil
	}
}
