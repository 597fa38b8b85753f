package peer

import (
	"strings"
	"testing"
)

func TestProgress_Percent(t *testing.T) {
	p := NewProgress("a.bin", 2000)
	if p.Percent() != 0 {
		t.Errorf("fresh progress should be at 0%%, got %v", p.Percent())
	}
	p.Add(500)
	p.Add(500)
	if p.Done() != 1000 {
		t.Errorf("Done = %d, want 1000", p.Done())
	}
	if p.Percent() != 50 {
		t.Errorf("Percent = %v, want 50", p.Percent())
	}
}

func TestProgress_ZeroTotal(t *testing.T) {
	p := NewProgress("empty.bin", 0)
	if p.Percent() != 100 {
		t.Errorf("an empty file is complete from the start, got %v%%", p.Percent())
	}
}

func TestProgress_Summary(t *testing.T) {
	p := NewProgress("big.bin", 2048)
	p.Add(2048)
	s := p.Summary()
	if !strings.Contains(s, "big.bin") || !strings.Contains(s, "2.0 KiB") {
		t.Errorf("Summary = %q, want the filename and humanized size", s)
	}
}
