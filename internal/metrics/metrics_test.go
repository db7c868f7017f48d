package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBus struct{ pending int }

func (f fakeBus) PendingMailboxes() int { return f.pending }

type fakeMem struct{ usage, blocks uint64 }

func (f fakeMem) Usage() uint64            { return f.usage }
func (f fakeMem) Blocks() uint64           { return f.blocks }
func (f fakeMem) UsageFor(h uint32) uint64 { return f.usage }

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.DispatchTotal.Inc()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if testutil.ToFloat64(m.DispatchTotal) != 1 {
		t.Fatalf("DispatchTotal = %v, want 1", testutil.ToFloat64(m.DispatchTotal))
	}
}

func TestCollectorSamplesBusAndMemory(t *testing.T) {
	m := New()
	c := NewCollector(m, fakeBus{pending: 3}, fakeMem{usage: 128, blocks: 4})
	c.Start(5 * time.Millisecond)
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.GlobalQueueLength) == 3 && testutil.ToFloat64(m.MemoryUsageBytes) == 128 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("collector never populated gauges")
}

func TestRecordErrorIncrementsLabeledCounter(t *testing.T) {
	m := New()
	m.RecordError(ErrorTypeReactor, SeverityWarning)
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(ErrorTypeReactor, SeverityWarning)); got != 1 {
		t.Fatalf("errors_total{reactor,warning} = %v, want 1", got)
	}
}
