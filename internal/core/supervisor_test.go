package core

import (
	"context"
	"sync"
	"testing"
	"time"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/node"
)

type statusUpdate struct {
	id     int64
	status string
}

// fakeFleetStore 测试用节点/用户源
type fakeFleetStore struct {
	mu      sync.Mutex
	nodes   []*dbinit.Node
	users   []*dbinit.User
	updates []statusUpdate
}

func (f *fakeFleetStore) EnabledNodes() ([]*dbinit.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*dbinit.Node{}
	for _, n := range f.nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeFleetStore) UpdateNodeStatus(id int64, status, message string, changedAt time.Time, xrayVersion, nodeVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{id: id, status: status})
	return nil
}

func (f *fakeFleetStore) UsersByStatus(statuses ...string) ([]*dbinit.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, nil
}

func (f *fakeFleetStore) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.updates))
	for _, u := range f.updates {
		out = append(out, u.status)
	}
	return out
}

func enabledNode(id int64) *dbinit.Node {
	return &dbinit.Node{
		ID: id, Name: "node", Address: "127.0.0.1", Port: 9000,
		ConnectionType: "ws", Coefficient: 1.0, ConfigID: 1,
		Enabled: true, Status: dbinit.NodeDisconnected,
	}
}

func supervisorFixture(t *testing.T, store *fakeFleetStore, clients ...*fakeClient) (*HealthSupervisor, *node.Registry, *EventBus) {
	t.Helper()

	source := &fakeConfigSource{configs: map[int64]*dbinit.WorkerConfig{
		1: workerConfig(1, `{"inbounds":[{"tag":"vmess-in"}]}`, "", ""),
	}}
	configs := NewConfigStore(source)
	if err := configs.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	registry := node.NewRegistry()
	for _, c := range clients {
		registry.Put(c)
	}

	bus := NewEventBus(100)
	supervisor := NewHealthSupervisor(store, registry, configs, NewUserProjector(configs), bus, nil,
		SupervisorOptions{
			Interval:     time.Hour, // 测试里手动触发
			ProbeTimeout: time.Second,
			StartTimeout: time.Second,
			KeepAlive:    20,
		})
	return supervisor, registry, bus
}

func TestSupervisorStartsDisconnectedNode(t *testing.T) {
	store := &fakeFleetStore{
		nodes: []*dbinit.Node{enabledNode(1)},
		users: []*dbinit.User{
			activeUser(1, "alice"),
			{ID: 2, Username: "bob", Status: dbinit.UserActive, Proxies: `{}`}, // 无入站，不下发
		},
	}
	client := newFakeClient(1, node.HealthNotConnected)
	supervisor, _, bus := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())

	client.mu.Lock()
	startCalls := client.startCalls
	startUsers := client.startUsers
	client.mu.Unlock()

	if startCalls != 1 {
		t.Fatalf("start calls = %d, want 1", startCalls)
	}
	// 空入站用户不进初始集
	if len(startUsers) != 1 || startUsers[0].Name != "1.alice" {
		t.Errorf("start users = %+v, want only 1.alice", startUsers)
	}

	got := store.statuses()
	want := []string{dbinit.NodeConnecting, dbinit.NodeConnected}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("persisted statuses = %v, want %v", got, want)
	}

	events := drainEvents(bus)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2 (connecting, connected)", len(events))
	}
}

func TestSupervisorRetriesBrokenNodeNextTick(t *testing.T) {
	store := &fakeFleetStore{nodes: []*dbinit.Node{enabledNode(1)}}
	client := newFakeClient(1, node.HealthNotConnected)
	client.startErr = &node.ClientError{Kind: node.ErrUnreachable, Msg: "refused"}
	supervisor, _, _ := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())
	client.SetHealth(node.HealthBroken)
	supervisor.Tick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.startCalls != 2 {
		t.Errorf("start calls = %d, want 2 (unreachable keeps retrying)", client.startCalls)
	}
}

func TestSupervisorBrokenNodeRetriesSilently(t *testing.T) {
	store := &fakeFleetStore{nodes: []*dbinit.Node{enabledNode(1)}}
	client := newFakeClient(1, node.HealthNotConnected)
	client.startErr = &node.ClientError{Kind: node.ErrUnreachable, Msg: "refused"}
	supervisor, _, bus := supervisorFixture(t, store, client)

	for i := 0; i < 3; i++ {
		supervisor.Tick(context.Background())
	}

	client.mu.Lock()
	startCalls := client.startCalls
	client.mu.Unlock()
	if startCalls != 3 {
		t.Fatalf("start calls = %d, want 3", startCalls)
	}

	// 持续失败只在首次跃迁落盘，不随重试重复
	got := store.statuses()
	want := []string{dbinit.NodeConnecting, dbinit.NodeBroken}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("persisted statuses = %v, want %v", got, want)
	}

	events := drainEvents(bus)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2 (edge only, no per-retry spam)", len(events))
	}
}

func TestSupervisorProbeUnreachableSchedulesReconnect(t *testing.T) {
	n := enabledNode(1)
	n.Status = dbinit.NodeConnected
	store := &fakeFleetStore{nodes: []*dbinit.Node{n}}
	client := newFakeClient(1, node.HealthHealthy)
	client.sysErr = &node.ClientError{Kind: node.ErrUnreachable, Msg: "refused"}
	supervisor, _, _ := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())

	// 非超时的探测失败观测为 connecting，broken 只留给探测超时
	if client.GetHealth() != node.HealthBroken {
		t.Errorf("health = %v, want broken", client.GetHealth())
	}
	got := store.statuses()
	if len(got) != 1 || got[0] != dbinit.NodeConnecting {
		t.Fatalf("persisted statuses = %v, want [connecting]", got)
	}

	// 下一轮直接重启
	client.sysErr = nil
	supervisor.Tick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", client.startCalls)
	}
	got = store.statuses()
	if len(got) != 2 || got[1] != dbinit.NodeConnected {
		t.Errorf("persisted statuses = %v, want [connecting connected]", got)
	}
}

func TestSupervisorHaltsOnFatalError(t *testing.T) {
	store := &fakeFleetStore{nodes: []*dbinit.Node{enabledNode(1)}}
	client := newFakeClient(1, node.HealthNotConnected)
	client.startErr = &node.ClientError{Kind: node.ErrAuth, Msg: "bad token"}
	supervisor, _, _ := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())
	client.SetHealth(node.HealthBroken)
	supervisor.Tick(context.Background())

	client.mu.Lock()
	calls := client.startCalls
	client.mu.Unlock()
	if calls != 1 {
		t.Errorf("start calls = %d, want 1 (auth failure halts retries)", calls)
	}

	// 显式重连恢复
	if err := supervisor.Connect(1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.startErr = nil
	supervisor.Tick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.startCalls != 2 {
		t.Errorf("start calls after Connect = %d, want 2", client.startCalls)
	}
}

func TestSupervisorProbeFailureBreaksNode(t *testing.T) {
	n := enabledNode(1)
	n.Status = dbinit.NodeConnected
	store := &fakeFleetStore{nodes: []*dbinit.Node{n}}
	client := newFakeClient(1, node.HealthHealthy)
	client.sysErr = &node.ClientError{Kind: node.ErrTimeout, Msg: "probe timeout"}
	supervisor, _, bus := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())

	if client.GetHealth() != node.HealthBroken {
		t.Errorf("health = %v, want broken", client.GetHealth())
	}
	got := store.statuses()
	if len(got) != 1 || got[0] != dbinit.NodeBroken {
		t.Errorf("persisted statuses = %v, want [broken]", got)
	}

	events := drainEvents(bus)
	if len(events) != 1 || events[0].Detail != dbinit.NodeBroken {
		t.Errorf("events = %+v", events)
	}

	// 故障后恢复：下一轮重新启动
	client.sysErr = nil
	client.startErr = nil
	supervisor.Tick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.startCalls != 1 {
		t.Errorf("start calls = %d, want 1 (recovery restart)", client.startCalls)
	}
}

func TestSupervisorRemovesDisabledNode(t *testing.T) {
	n := enabledNode(1)
	store := &fakeFleetStore{nodes: []*dbinit.Node{n}}
	client := newFakeClient(1, node.HealthHealthy)
	supervisor, registry, _ := supervisorFixture(t, store, client)

	n.Enabled = false
	supervisor.Tick(context.Background())

	if registry.Get(1) != nil {
		t.Error("disabled node should be removed from registry")
	}
	if client.GetHealth() != node.HealthInvalid {
		t.Errorf("health = %v, want invalid", client.GetHealth())
	}
}

func TestSupervisorHealthyNodeNotRestarted(t *testing.T) {
	n := enabledNode(1)
	n.Status = dbinit.NodeConnected
	store := &fakeFleetStore{nodes: []*dbinit.Node{n}}
	client := newFakeClient(1, node.HealthHealthy)
	supervisor, _, _ := supervisorFixture(t, store, client)

	supervisor.Tick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.startCalls != 0 {
		t.Errorf("healthy node restarted %d times, want 0", client.startCalls)
	}
	if len(store.statuses()) != 0 {
		t.Errorf("no status change expected, got %v", store.statuses())
	}
}
