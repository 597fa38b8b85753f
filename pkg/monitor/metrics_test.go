package monitor

import (
	"testing"
	"time"
)

func TestRecordAndSnapshot(t *testing.T) {
	upBefore, downBefore, countBefore := Snapshot()

	RecordUpload(1500)
	RecordDownload(2500)
	RecordUpload(500)

	up, down, count := Snapshot()
	if up-upBefore != 2000 {
		t.Errorf("uploaded delta = %d, want 2000", up-upBefore)
	}
	if down-downBefore != 2500 {
		t.Errorf("downloaded delta = %d, want 2500", down-downBefore)
	}
	if count-countBefore != 3 {
		t.Errorf("transfer count delta = %d, want 3", count-countBefore)
	}
}

func TestLogPeriodic_StopsOnQuit(t *testing.T) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		LogPeriodic(10*time.Millisecond, quit)
		close(done)
	}()

	// Let at least one tick fire, then stop.
	time.Sleep(30 * time.Millisecond)
	close(quit)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after quit closed")
	}
}
