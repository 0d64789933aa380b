package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/gridwatch/realtime/src/hub"
	"github.com/gridwatch/realtime/src/router"
	"github.com/gridwatch/realtime/src/snapshot"
	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu      sync.Mutex
	written []types.Message
	blockCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{blockCh: make(chan struct{})}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := v.(types.Message); ok {
		m.written = append(m.written, msg)
	}
	return nil
}

func (m *mockConn) ReadJSON(any) error {
	<-m.blockCh
	return errors.New("connection closed")
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.blockCh:
	default:
		close(m.blockCh)
	}
	return nil
}

func (m *mockConn) getWritten() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Message, len(m.written))
	copy(cp, m.written)
	return cp
}

func (m *mockConn) countType(msgType string) int {
	n := 0
	for _, msg := range m.getWritten() {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func (m *mockConn) firstOfType(msgType string) (types.Message, bool) {
	for _, msg := range m.getWritten() {
		if msg.Type == msgType {
			return msg, true
		}
	}
	return types.Message{}, false
}

type recordingAcker struct {
	mu          sync.Mutex
	calls       []string
	hadDeadline bool
	err         error
}

func (a *recordingAcker) Acknowledge(ctx context.Context, alarmID, userID, comment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, a.hadDeadline = ctx.Deadline()
	a.calls = append(a.calls, alarmID+"/"+userID+"/"+comment)
	return a.err
}

func newTestService(t *testing.T) (*Service, *hub.Hub, *snapshot.MemoryStore, *recordingAcker) {
	t.Helper()
	reg := hub.NewRegistry()
	h := hub.New(reg, router.New(reg, zerolog.Nop()), zerolog.Nop())
	go h.Run()
	t.Cleanup(func() { h.Stop() })

	store := snapshot.NewMemoryStore()
	acker := &recordingAcker{}
	return New(h, store, acker, zerolog.Nop()), h, store, acker
}

func attachClient(t *testing.T, h *hub.Hub, id string, role types.Role) *mockConn {
	t.Helper()
	conn := newMockConn()
	client := hub.NewClient(id, conn, h)
	require.NoError(t, h.Attach(client, "user-"+id, role))
	go client.WritePump()
	return conn
}

func waitForType(t *testing.T, conn *mockConn, msgType string, want int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return conn.countType(msgType) >= want
	}, time.Second, 5*time.Millisecond, "expected %d %s messages", want, msgType)
}

func TestConfirmConnection(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleEngineer)

	s.ConfirmConnection("c1")
	waitForType(t, conn, types.MsgConnectionConfirmed, 1)

	msg, _ := conn.firstOfType(types.MsgConnectionConfirmed)
	assert.Equal(t, "user-c1", msg.Data["userId"])
	assert.Equal(t, "engineer", msg.Data["role"])
	assert.Contains(t, msg.Data["features"], "simulation")
	assert.NotContains(t, msg.Data["features"], "user-management")

	// A connection that vanished before the confirmation is a no-op.
	s.ConfirmConnection("ghost")
}

func TestSubscribeRepliesAndIndexes(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)

	err := s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{
			"elementIds": []any{"bus_1", "line_3"},
			"types":      []any{"telemetry", "alarms"},
		},
	})
	require.NoError(t, err)

	waitForType(t, conn, types.MsgSubscribed, 1)
	msg, _ := conn.firstOfType(types.MsgSubscribed)
	assert.ElementsMatch(t, []string{"bus_1", "line_3"}, msg.Data["elementIds"])
	// The plural alias collapses onto the canonical name in the reply.
	assert.ElementsMatch(t, []string{"telemetry", "alarm"}, msg.Data["types"])

	assert.Contains(t, h.Registry().SubscribersOf("bus_1", types.UpdateTelemetry), "c1")
	assert.Contains(t, h.Registry().SubscribersOf("line_3", types.UpdateAlarm), "c1")
	assert.Empty(t, h.Registry().SubscribersOf("bus_1", types.UpdateStatus))
}

func TestSubscribeDefaultsToAllTypes(t *testing.T) {
	s, h, _, _ := newTestService(t)
	_ = attachClient(t, h, "c1", types.RoleOperator)

	err := s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1"}},
	})
	require.NoError(t, err)

	for _, u := range types.AllUpdateTypes {
		assert.Contains(t, h.Registry().SubscribersOf("bus_1", u), "c1")
	}
}

func TestSubscribeRejectsMissingElements(t *testing.T) {
	s, h, _, _ := newTestService(t)
	_ = attachClient(t, h, "c1", types.RoleOperator)

	err := s.handleSubscribe("c1", types.Message{Type: types.MsgSubscribe, Data: map[string]any{}})
	assert.Error(t, err)

	err = s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": "bus_1"},
	})
	assert.Error(t, err, "a bare string is not a valid element list")
}

func TestSubscribePushesInitialData(t *testing.T) {
	s, h, store, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)

	ctx := context.Background()
	require.NoError(t, store.SaveTelemetry(ctx, &event.TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 118},
		Timestamp: time.Now(),
		Priority:  event.PriorityNormal,
	}))
	require.NoError(t, store.SaveAlarm(ctx, &event.AlarmRaised{
		AlarmID:   "alarm-1",
		ElementID: "bus_1",
		AlarmType: "overload",
		Severity:  event.SeverityWarning,
		Message:   "Bus overloaded",
		CreatedAt: time.Now(),
	}))

	require.NoError(t, s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1", "unknown_element"}},
	}))

	waitForType(t, conn, types.MsgInitialData, 1)
	msg, _ := conn.firstOfType(types.MsgInitialData)
	entry, ok := msg.Data["bus_1"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, entry["telemetry"])
	assert.NotNil(t, entry["alarms"])
	assert.NotContains(t, msg.Data, "unknown_element")
}

func TestSubscribeSkipsInitialDataWhenStoreEmpty(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)

	require.NoError(t, s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1"}},
	}))

	waitForType(t, conn, types.MsgSubscribed, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.countType(types.MsgInitialData))
}

func TestUnsubscribe(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)

	require.NoError(t, s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1"}},
	}))
	require.NoError(t, s.handleUnsubscribe("c1", types.Message{
		Type: types.MsgUnsubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1"}},
	}))

	waitForType(t, conn, types.MsgUnsubscribed, 1)
	assert.Empty(t, h.Registry().SubscribersOf("bus_1", types.UpdateTelemetry))
}

func TestAcknowledgeDelegatesAndFansOut(t *testing.T) {
	s, h, _, acker := newTestService(t)
	_ = attachClient(t, h, "acker", types.RoleOperator)
	watcher := attachClient(t, h, "watcher", types.RoleOperator)

	require.NoError(t, h.Registry().Subscribe("watcher", []string{"alarm-1"}, []types.UpdateType{types.UpdateAlarm}))

	err := s.handleAcknowledge("acker", types.Message{
		Type: types.MsgAlarmAcknowledge,
		Data: map[string]any{"alarmId": "alarm-1", "comment": "investigating"},
	})
	require.NoError(t, err)

	acker.mu.Lock()
	calls := append([]string(nil), acker.calls...)
	acker.mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "alarm-1/user-acker/investigating", calls[0])

	waitForType(t, watcher, types.MsgAlarmAcknowledged, 1)
	msg, _ := watcher.firstOfType(types.MsgAlarmAcknowledged)
	assert.Equal(t, "alarm-1", msg.Data["alarmId"])
	assert.Equal(t, "user-acker", msg.Data["acknowledgedBy"])
}

func TestAcknowledgeFailures(t *testing.T) {
	s, h, _, acker := newTestService(t)
	_ = attachClient(t, h, "c1", types.RoleOperator)

	err := s.handleAcknowledge("c1", types.Message{Type: types.MsgAlarmAcknowledge, Data: map[string]any{}})
	assert.Error(t, err, "alarmId is mandatory")

	err = s.handleAcknowledge("ghost", types.Message{
		Type: types.MsgAlarmAcknowledge,
		Data: map[string]any{"alarmId": "alarm-1"},
	})
	assert.ErrorIs(t, err, hub.ErrUnknownConnection)

	acker.err = errors.New("rest endpoint unavailable")
	err = s.handleAcknowledge("c1", types.Message{
		Type: types.MsgAlarmAcknowledge,
		Data: map[string]any{"alarmId": "alarm-1"},
	})
	assert.Error(t, err, "collaborator failure surfaces to the client")
}

func TestSystemStatusReply(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)
	require.NoError(t, h.Registry().Subscribe("c1", []string{"bus_1"}, []types.UpdateType{types.UpdateTelemetry}))

	require.NoError(t, s.handleSystemStatus("c1", types.Message{Type: types.MsgSystemStatus}))

	waitForType(t, conn, types.MsgSystemStatus, 1)
	msg, _ := conn.firstOfType(types.MsgSystemStatus)
	assert.Equal(t, "operational", msg.Data["status"])
	assert.Equal(t, 1, msg.Data["connectedUsers"])
	assert.Equal(t, 1, msg.Data["activeElements"])
	assert.NotEmpty(t, msg.Data["serverTime"])
}

func TestPublishSystemStatusBroadcasts(t *testing.T) {
	s, h, _, _ := newTestService(t)
	op := attachClient(t, h, "op", types.RoleOperator)
	viewer := attachClient(t, h, "viewer", types.RoleViewer)

	require.NoError(t, s.PublishSystemStatus(context.Background()))

	waitForType(t, op, types.MsgSystemStatusUpdate, 1)
	waitForType(t, viewer, types.MsgSystemStatusUpdate, 1)
}

func TestPingEchoesTimestamp(t *testing.T) {
	s, h, _, _ := newTestService(t)
	conn := attachClient(t, h, "c1", types.RoleOperator)

	require.NoError(t, s.handlePing("c1", types.Message{
		Type: types.MsgPing,
		Data: map[string]any{"timestamp": float64(1756710000000)},
	}))

	waitForType(t, conn, types.MsgPong, 1)
	msg, _ := conn.firstOfType(types.MsgPong)
	assert.Equal(t, float64(1756710000000), msg.Data["timestamp"])
}

func TestIngestSnapshotsTelemetryAndAlarms(t *testing.T) {
	s, _, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, &event.TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 118},
		Timestamp: time.Now(),
		Priority:  event.PriorityNormal,
	}))
	require.NoError(t, s.Ingest(ctx, &event.AlarmRaised{
		AlarmID:   "alarm-1",
		ElementID: "bus_1",
		AlarmType: "overload",
		Severity:  event.SeverityWarning,
		Message:   "Bus overloaded",
		CreatedAt: time.Now(),
	}))

	latest, err := store.LatestTelemetry(ctx, "bus_1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 118.0, latest.Metrics["voltage"])

	alarms, err := store.RecentAlarms(ctx, "bus_1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "alarm-1", alarms[0].AlarmID)
}

func TestIngestSnapshotsValueTypedEvents(t *testing.T) {
	s, _, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, event.TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 121},
		Timestamp: time.Now(),
		Priority:  event.PriorityNormal,
	}))
	require.NoError(t, s.Ingest(ctx, event.AlarmRaised{
		AlarmID:   "alarm-v",
		ElementID: "bus_1",
		AlarmType: "overload",
		Severity:  event.SeverityWarning,
		Message:   "Bus overloaded",
		CreatedAt: time.Now(),
	}))

	latest, err := store.LatestTelemetry(ctx, "bus_1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 121.0, latest.Metrics["voltage"])

	alarms, err := store.RecentAlarms(ctx, "bus_1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "alarm-v", alarms[0].AlarmID)
}

// deadlineStore reports whether snapshot reads carry a deadline.
type deadlineStore struct {
	*snapshot.MemoryStore
	mu          sync.Mutex
	hadDeadline bool
}

func (d *deadlineStore) LatestTelemetry(ctx context.Context, elementID string) (*event.TelemetryUpdate, error) {
	d.mu.Lock()
	_, d.hadDeadline = ctx.Deadline()
	d.mu.Unlock()
	return d.MemoryStore.LatestTelemetry(ctx, elementID)
}

func TestCollaboratorCallsAreDeadlineBounded(t *testing.T) {
	reg := hub.NewRegistry()
	h := hub.New(reg, router.New(reg, zerolog.Nop()), zerolog.Nop())
	go h.Run()
	t.Cleanup(func() { h.Stop() })

	store := &deadlineStore{MemoryStore: snapshot.NewMemoryStore()}
	acker := &recordingAcker{}
	s := New(h, store, acker, zerolog.Nop())
	_ = attachClient(t, h, "c1", types.RoleOperator)

	require.NoError(t, s.handleSubscribe("c1", types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{"elementIds": []any{"bus_1"}},
	}))
	store.mu.Lock()
	assert.True(t, store.hadDeadline, "snapshot reads must be bounded")
	store.mu.Unlock()

	require.NoError(t, s.handleAcknowledge("c1", types.Message{
		Type: types.MsgAlarmAcknowledge,
		Data: map[string]any{"alarmId": "alarm-1"},
	}))
	acker.mu.Lock()
	assert.True(t, acker.hadDeadline, "acknowledgment calls must be bounded")
	acker.mu.Unlock()
}

func TestSlowAcknowledgerDoesNotStallFanOut(t *testing.T) {
	reg := hub.NewRegistry()
	h := hub.New(reg, router.New(reg, zerolog.Nop()), zerolog.Nop())
	go h.Run()
	t.Cleanup(func() { h.Stop() })

	release := make(chan struct{})
	acker := AcknowledgerFunc(func(context.Context, string, string, string) error {
		<-release
		return nil
	})
	s := New(h, snapshot.NewMemoryStore(), acker, zerolog.Nop())

	_ = attachClient(t, h, "acker", types.RoleOperator)
	watcher := attachClient(t, h, "watcher", types.RoleOperator)
	require.NoError(t, h.Registry().Subscribe("watcher", []string{"bus_1"}, []types.UpdateType{types.UpdateTelemetry}))
	require.NoError(t, h.Registry().Subscribe("watcher", []string{"alarm-1"}, []types.UpdateType{types.UpdateAlarm}))

	ackDone := make(chan error, 1)
	go func() {
		ackDone <- s.handleAcknowledge("acker", types.Message{
			Type: types.MsgAlarmAcknowledge,
			Data: map[string]any{"alarmId": "alarm-1"},
		})
	}()

	// Other connections keep receiving while the acknowledgment waits on
	// its collaborator.
	require.NoError(t, s.Ingest(context.Background(), &event.TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 118},
		Timestamp: time.Now(),
		Priority:  event.PriorityNormal,
	}))
	waitForType(t, watcher, types.MsgTelemetryUpdate, 1)

	close(release)
	require.NoError(t, <-ackDone)
	waitForType(t, watcher, types.MsgAlarmAcknowledged, 1)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	s, _, store, _ := newTestService(t)
	err := s.Ingest(context.Background(), &event.TelemetryUpdate{ElementID: "bus_1"})
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	latest, _ := store.LatestTelemetry(context.Background(), "bus_1")
	assert.Nil(t, latest, "rejected events are never snapshotted")
}
