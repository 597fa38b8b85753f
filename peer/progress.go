package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress tracks one in-flight download.
type Progress struct {
	mu         sync.Mutex
	Filename   string
	BytesTotal int64
	bytesDone  int64
	start      time.Time
}

func NewProgress(filename string, total int64) *Progress {
	return &Progress{
		Filename:   filename,
		BytesTotal: total,
		start:      time.Now(),
	}
}

// Add records n more received bytes.
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	p.bytesDone += n
	p.mu.Unlock()
}

// Done returns the received byte count.
func (p *Progress) Done() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesDone
}

// Percent returns completion in the 0-100 range.
func (p *Progress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BytesTotal == 0 {
		return 100
	}
	return float64(p.bytesDone) / float64(p.BytesTotal) * 100
}

// Summary renders a completion line with humanized sizes and throughput.
func (p *Progress) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.start).Seconds()
	var throughput string
	if elapsed > 0 {
		throughput = humanize.IBytes(uint64(float64(p.bytesDone)/elapsed)) + "/s"
	} else {
		throughput = "-"
	}
	return fmt.Sprintf("downloaded %s: %s in %.1fs (%s)",
		p.Filename, humanize.IBytes(uint64(p.bytesDone)), elapsed, throughput)
}
