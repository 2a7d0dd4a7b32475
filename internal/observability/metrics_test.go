package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("broker-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordSessionState("connected")
	RecordFrameSent(false)
	RecordFrameSent(true)
	RecordReconnectAttempt(true)
	RecordRequestResolved("response")
	SetBrokerSessions(3)
	RecordBrokerRouted("request", "delivered")
	RecordFilterMatches(0)
}

func TestReplayedFramesCountedSeparately(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(sessionFrames.WithLabelValues("replayed"))
	RecordFrameSent(true)
	RecordFrameSent(true)
	after := testutil.ToFloat64(sessionFrames.WithLabelValues("replayed"))
	if after-before != 2 {
		t.Fatalf("expected 2 replayed frames recorded, got %v", after-before)
	}
}

func TestBrokerSessionsGauge(t *testing.T) {
	testlog.Start(t)
	SetBrokerSessions(7)
	if got := testutil.ToFloat64(brokerSessions); got != 7 {
		t.Fatalf("unexpected sessions gauge: %v", got)
	}
}
