package utils

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ==================== Panic recovery ====================

type panicRecovery struct {
	mu    sync.RWMutex
	stats map[string]int64
}

var globalPanicRecovery = &panicRecovery{
	stats: make(map[string]int64),
}

// HandlePanic recovers a panic in the calling goroutine, logs it with a
// truncated stack, and runs cleanup if given. Critical components that panic
// repeatedly abort the process.
func HandlePanic(operation string, cleanup func()) {
	if r := recover(); r != nil {
		globalPanicRecovery.mu.Lock()
		globalPanicRecovery.stats[operation]++
		count := globalPanicRecovery.stats[operation]
		globalPanicRecovery.mu.Unlock()

		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		stackTrace := string(buf[:n])

		WriteLog(LogError, "panic recovered [%s] (count %d): %v\nstack:\n%s",
			operation, count, r, stackTrace)

		if cleanup != nil {
			func() {
				defer func() {
					if r2 := recover(); r2 != nil {
						WriteLog(LogError, "cleanup after panic also panicked: %v", r2)
					}
				}()
				cleanup()
			}()
		}

		if strings.HasPrefix(operation, "critical-") && count > 3 {
			WriteLog(LogError, "critical component panicking repeatedly, exiting")
			os.Exit(1)
		}
	}
}

// ExecuteWithRecovery runs fn, converting a panic into a logged recovery.
func ExecuteWithRecovery(operation string, fn func() error, cleanup func()) error {
	defer HandlePanic(operation, cleanup)
	return fn()
}

// ==================== Request tracking ====================

// RequestTracker traces one gateway dispatch for debug logging.
type RequestTracker struct {
	ID           string
	StartTime    time.Time
	Path         string
	Transport    string
	ClientAddr   string
	Steps        []string
	CacheHit     bool
	Channel      string
	ResponseTime time.Duration
	mu           sync.Mutex
}

// NewRequestTracker opens a tracker for one request.
func NewRequestTracker(path, transport, clientAddr string) *RequestTracker {
	return &RequestTracker{
		ID:         fmt.Sprintf("%x", time.Now().UnixNano()&0xFFFFFF),
		StartTime:  time.Now(),
		Path:       path,
		Transport:  transport,
		ClientAddr: clientAddr,
		Steps:      make([]string, 0, 8),
	}
}

// AddStep records a trace step when debug logging is enabled.
func (rt *RequestTracker) AddStep(step string, args ...interface{}) {
	if rt == nil || GetLogLevel() < LogDebug {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	elapsed := time.Since(rt.StartTime)
	stepMsg := fmt.Sprintf("[%v] %s", elapsed.Truncate(time.Microsecond), fmt.Sprintf(step, args...))
	rt.Steps = append(rt.Steps, stepMsg)

	WriteLog(LogDebug, "[%s] %s", rt.ID, stepMsg)
}

// Finish closes the tracker and emits a summary line.
func (rt *RequestTracker) Finish() {
	if rt == nil {
		return
	}

	rt.ResponseTime = time.Since(rt.StartTime)
	if GetLogLevel() >= LogInfo {
		cached := "miss"
		if rt.CacheHit {
			cached = "hit"
		}
		WriteLog(LogInfo, "[%s] dispatch done: %s %s | cache:%s | took:%v | channel:%s",
			rt.ID, rt.Transport, rt.Path, cached,
			rt.ResponseTime.Truncate(time.Microsecond), rt.Channel)
	}
}
