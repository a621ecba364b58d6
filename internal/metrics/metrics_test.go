package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.EndpointBound == nil {
		t.Error("EndpointBound metric is nil")
	}
	if m.DatagramsReceived == nil {
		t.Error("DatagramsReceived metric is nil")
	}
	if m.ExchangeLatency == nil {
		t.Error("ExchangeLatency metric is nil")
	}
}

func TestSetBound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetBound(true)
	if got := testutil.ToFloat64(m.EndpointBound); got != 1 {
		t.Errorf("EndpointBound = %v, want 1", got)
	}

	m.SetBound(false)
	if got := testutil.ToFloat64(m.EndpointBound); got != 0 {
		t.Errorf("EndpointBound = %v, want 0", got)
	}
}

func TestRecordReceivedAndSent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReceived("IPv4", 18)
	m.RecordReceived("IPv4", 100)
	m.RecordReceived("IPv6", 2)
	m.RecordSent("IPv4", 19, 0.0002)

	if got := testutil.ToFloat64(m.DatagramsReceived.WithLabelValues("IPv4")); got != 2 {
		t.Errorf("DatagramsReceived[IPv4] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DatagramsReceived.WithLabelValues("IPv6")); got != 1 {
		t.Errorf("DatagramsReceived[IPv6] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 120 {
		t.Errorf("BytesReceived = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.DatagramsSent.WithLabelValues("IPv4")); got != 1 {
		t.Errorf("DatagramsSent[IPv4] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 19 {
		t.Errorf("BytesSent = %v, want 19", got)
	}
	if got := testutil.CollectAndCount(m.DatagramSize); got != 1 {
		t.Errorf("DatagramSize series = %d, want 1", got)
	}
}

func TestRecordDroppedTruncationError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDropped("rate_limited")
	m.RecordDropped("rate_limited")
	m.RecordTruncation("message")
	m.RecordError("send")

	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("rate_limited")); got != 2 {
		t.Errorf("DatagramsDropped[rate_limited] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Truncations.WithLabelValues("message")); got != 1 {
		t.Errorf("Truncations[message] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("send")); got != 1 {
		t.Errorf("Errors[send] = %v, want 1", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}
