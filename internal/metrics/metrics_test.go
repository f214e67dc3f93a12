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
	if m.AnnouncementsSent == nil {
		t.Error("AnnouncementsSent metric is nil")
	}
	if m.Handshakes == nil {
		t.Error("Handshakes metric is nil")
	}
	if m.RegistryEntries == nil {
		t.Error("RegistryEntries metric is nil")
	}
}

func TestRecordAnnouncements(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordAnnouncementSent()
	m.RecordAnnouncementSent()
	m.RecordAnnouncementReceived(AnnouncementAccepted)
	m.RecordAnnouncementReceived(AnnouncementDuplicate)
	m.RecordAnnouncementReceived(AnnouncementDuplicate)

	if got := testutil.ToFloat64(m.AnnouncementsSent); got != 2 {
		t.Errorf("AnnouncementsSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AnnouncementsReceived.WithLabelValues(AnnouncementDuplicate)); got != 2 {
		t.Errorf("AnnouncementsReceived{duplicate} = %v, want 2", got)
	}
}

func TestRecordHandshake(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordHandshake(RoleAgent, 0.01)
	m.RecordHandshakeFailure(RoleAgent, ResultTimeout)
	m.RecordHandshakeFailure(RoleController, ResultRejected)

	tests := []struct {
		role, result string
		want         float64
	}{
		{RoleAgent, ResultSuccess, 1},
		{RoleAgent, ResultTimeout, 1},
		{RoleController, ResultRejected, 1},
		{RoleController, ResultSuccess, 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.Handshakes.WithLabelValues(tt.role, tt.result))
		if got != tt.want {
			t.Errorf("Handshakes{%s,%s} = %v, want %v", tt.role, tt.result, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.HandshakeLatency); n != 1 {
		t.Errorf("HandshakeLatency series = %d, want 1", n)
	}
}

func TestRecordConnections(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordConnect(RoleController)
	m.RecordConnect(RoleController)
	m.RecordDisconnect(RoleController)
	m.RecordRejectedConnection(RejectSlotOccupied)
	m.SetRegistryEntries(4)

	if got := testutil.ToFloat64(m.ConnectionsActive.WithLabelValues(RoleController)); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsRejected.WithLabelValues(RejectSlotOccupied)); got != 1 {
		t.Errorf("ConnectionsRejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RegistryEntries); got != 4 {
		t.Errorf("RegistryEntries = %v, want 4", got)
	}
}

func TestRecordMessage(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordMessage(DirectionSent)
	m.RecordMessage(DirectionReceived)
	m.RecordMessage(DirectionReceived)

	if got := testutil.ToFloat64(m.Messages.WithLabelValues(DirectionReceived)); got != 2 {
		t.Errorf("Messages{received} = %v, want 2", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordAnnouncementSent()
	m.RecordAnnouncementReceived(AnnouncementInvalid)
	m.RecordHandshake(RoleAgent, 1)
	m.RecordHandshakeFailure(RoleAgent, ResultError)
	m.RecordConnect(RoleAgent)
	m.RecordDisconnect(RoleAgent)
	m.RecordRejectedConnection(RejectBlocked)
	m.SetRegistryEntries(1)
	m.RecordMessage(DirectionSent)
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
