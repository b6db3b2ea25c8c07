package transfer

import (
	"context"
	"sync"
	"time"
)

// activeWorker tracks the segment a single worker goroutine is
// currently fetching, updated as bytes land so the balancer and
// health monitor can split or cancel it mid-flight.
type activeWorker struct {
	segment       Segment
	currentOffset int64 // atomic
	stopAt        int64 // atomic

	lastActivity    int64 // atomic: unix nano
	startTime       time.Time
	cancel          context.CancelFunc
	haltedByMonitor int32 // atomic: set by checkWorkerHealth before calling cancel

	speedMu     sync.Mutex
	speed       float64 // EMA bytes/sec
	windowStart time.Time
	windowBytes int64 // atomic
}
