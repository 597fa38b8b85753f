package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"meshshare/pkg/logger"
)

// Metrics holds transfer counters for a peer agent.
type Metrics struct {
	// Bytes served to other peers
	UploadBytes int64
	// Bytes fetched from other peers
	DownloadBytes int64
	// Completed transfers in either direction
	TransferCount int64
	// Agent start time
	AgentStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	AgentStart: time.Now(),
}

// RecordUpload records a completed outbound transfer.
func RecordUpload(bytes int64) {
	atomic.AddInt64(&Global.UploadBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)
}

// RecordDownload records a completed inbound transfer.
func RecordDownload(bytes int64) {
	atomic.AddInt64(&Global.DownloadBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)
}

// Snapshot returns the current counter values.
func Snapshot() (uploadBytes, downloadBytes, transfers int64) {
	return atomic.LoadInt64(&Global.UploadBytes),
		atomic.LoadInt64(&Global.DownloadBytes),
		atomic.LoadInt64(&Global.TransferCount)
}

// LogPeriodic logs runtime and transfer metrics at the specified interval
// until the quit channel closes.
func LogPeriodic(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			up, down, count := Snapshot()
			logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Uploaded=%dKB | Downloaded=%dKB | Transfers=%d",
				runtime.NumGoroutine(),
				m.HeapAlloc/1024/1024,
				up/1024,
				down/1024,
				count,
			)
		}
	}
}
