package upload

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"videoingest/internal/models"
)

func TestCountingReaderReportsCumulativeTotals(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 10_000)
	var totals []int64
	reader := NewCountingReader(iotest.OneByteReader(bytes.NewReader(payload[:10])), func(total int64) {
		totals = append(totals, total)
	})
	if _, err := io.Copy(io.Discard, reader); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if len(totals) != 10 {
		t.Fatalf("expected one callback per non-empty read, got %d", len(totals))
	}
	for i, total := range totals {
		if total != int64(i+1) {
			t.Fatalf("callback %d reported %d", i, total)
		}
	}

	totals = nil
	reader = NewCountingReader(bytes.NewReader(payload), func(total int64) { totals = append(totals, total) })
	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != int64(len(payload)) || reader.Total() != n || totals[len(totals)-1] != n {
		t.Fatalf("expected final total %d, got copy=%d total=%d last=%d", len(payload), n, reader.Total(), totals[len(totals)-1])
	}
}

func TestCountingReaderSkipsEmptyReads(t *testing.T) {
	calls := 0
	reader := NewCountingReader(bytes.NewReader(nil), func(int64) { calls++ })
	buf := make([]byte, 8)
	if _, err := reader.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no callback on EOF, got %d", calls)
	}
}

func TestCountingReaderRejectsSeekAndWrite(t *testing.T) {
	reader := NewCountingReader(bytes.NewReader([]byte("abc")), nil)
	if _, err := reader.Seek(0, io.SeekStart); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from Seek, got %v", err)
	}
	if _, err := reader.Write([]byte("x")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from Write, got %v", err)
	}
}

func TestPercentTrackerIsMonotonicAndBounded(t *testing.T) {
	const total = 1000
	var events []Progress
	tracker := NewPercentTracker(total, func(p Progress) { events = append(events, p) })
	for _, done := range []int64{0, 5, 10, 9, 500, 499, 999, 1000, 1200} {
		tracker.Advance(done)
	}
	last := -1
	for _, ev := range events {
		if ev.Status != models.StatusUploading {
			t.Fatalf("unexpected status %q", ev.Status)
		}
		if ev.Percent < 0 || ev.Percent > 100 {
			t.Fatalf("percent out of range: %d", ev.Percent)
		}
		if ev.Percent <= last {
			t.Fatalf("percent went from %d to %d", last, ev.Percent)
		}
		last = ev.Percent
	}
	if last != 100 {
		t.Fatalf("expected final percent 100, got %d", last)
	}
}

func TestPercentTrackerUnknownTotal(t *testing.T) {
	var events []Progress
	tracker := NewPercentTracker(-1, func(p Progress) { events = append(events, p) })
	for done := int64(0); done <= 3<<20; done += 64 << 10 {
		tracker.Advance(done)
	}
	if len(events) != 3 {
		t.Fatalf("expected one event per MiB, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Percent >= 0 {
			t.Fatalf("expected no percentage for unknown total, got %d", ev.Percent)
		}
	}
}
