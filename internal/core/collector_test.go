package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"pasarguard/plane/internal/node"
)

// fakeUsageStore 记录各类入库调用
type fakeUsageStore struct {
	mu sync.Mutex

	admins map[int64]int64 // user → admin

	userCommits   []map[int64]int64
	adminCommits  []map[int64]int64
	nodeUserRows  map[int64]map[int64]int64 // node → user → delta
	nodeRows      map[int64][2]int64
	systemUplink  int64
	systemDownlnk int64
}

func newFakeUsageStore(admins map[int64]int64) *fakeUsageStore {
	return &fakeUsageStore{
		admins:       admins,
		nodeUserRows: make(map[int64]map[int64]int64),
		nodeRows:     make(map[int64][2]int64),
	}
}

func (f *fakeUsageStore) AdminIDsByUser(userIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, id := range userIDs {
		if adminID, ok := f.admins[id]; ok {
			out[id] = adminID
		}
	}
	return out, nil
}

func (f *fakeUsageStore) CommitUserUsage(deltas map[int64]int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCommits = append(f.userCommits, deltas)
	return nil
}

func (f *fakeUsageStore) CommitAdminUsage(deltas map[int64]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCommits = append(f.adminCommits, deltas)
	return nil
}

func (f *fakeUsageStore) CommitNodeUserUsage(nodeID int64, hour time.Time, deltas map[int64]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.nodeUserRows[nodeID]
	if rows == nil {
		rows = make(map[int64]int64)
		f.nodeUserRows[nodeID] = rows
	}
	for userID, delta := range deltas {
		rows[userID] += delta
	}
	return nil
}

func (f *fakeUsageStore) CommitNodeUsage(nodeID int64, hour time.Time, uplink, downlink int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.nodeRows[nodeID]
	f.nodeRows[nodeID] = [2]int64{prev[0] + uplink, prev[1] + downlink}
	return nil
}

func (f *fakeUsageStore) CommitSystemUsage(uplink, downlink int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemUplink += uplink
	f.systemDownlnk += downlink
	return nil
}

func collectorFixture(store *fakeUsageStore, clients ...*fakeClient) (*UsageCollector, *node.Registry) {
	registry := node.NewRegistry()
	for _, c := range clients {
		registry.Put(c)
	}
	collector := NewUsageCollector(store, registry, nil, CollectorOptions{
		UserInterval:    time.Hour, // 测试里手动触发
		NodeInterval:    time.Hour,
		StatsTimeout:    time.Second,
		RecordNodeUsage: true,
	})
	return collector, registry
}

func TestCollectUserUsageAggregatesAcrossNodes(t *testing.T) {
	c1 := newFakeClient(1, node.HealthHealthy)
	c1.userStats = []node.StatEntry{
		{Name: "1.alice.vmess.uplink", Value: 100},
		{Name: "2.bob.vless.downlink", Value: 40},
	}
	c2 := newFakeClient(2, node.HealthHealthy)
	c2.userStats = []node.StatEntry{
		{Name: "1.alice.vmess.downlink", Value: 50},
	}
	store := newFakeUsageStore(map[int64]int64{1: 10, 2: 20})
	collector, _ := collectorFixture(store, c1, c2)

	collector.CollectUserUsage(context.Background())

	// 拉取必须带清零标志
	for _, c := range []*fakeClient{c1, c2} {
		if len(c.resetSeen) != 1 || !c.resetSeen[0] {
			t.Errorf("client %d reset flags = %v, want [true]", c.id, c.resetSeen)
		}
	}

	if len(store.userCommits) != 1 {
		t.Fatalf("user commits = %d, want 1", len(store.userCommits))
	}
	totals := store.userCommits[0]
	if totals[1] != 150 || totals[2] != 40 {
		t.Errorf("totals = %v, want user1=150 user2=40", totals)
	}

	if len(store.adminCommits) != 1 {
		t.Fatalf("admin commits = %d, want 1", len(store.adminCommits))
	}
	adminTotals := store.adminCommits[0]
	if adminTotals[10] != 150 || adminTotals[20] != 40 {
		t.Errorf("admin totals = %v, want admin10=150 admin20=40", adminTotals)
	}

	// 按节点明细保持各自读数
	if store.nodeUserRows[1][1] != 100 || store.nodeUserRows[1][2] != 40 {
		t.Errorf("node 1 rows = %v", store.nodeUserRows[1])
	}
	if store.nodeUserRows[2][1] != 50 {
		t.Errorf("node 2 rows = %v", store.nodeUserRows[2])
	}
}

func TestCollectUserUsageAppliesCoefficient(t *testing.T) {
	c := newFakeClient(1, node.HealthHealthy)
	c.coefficient = 1.5
	c.userStats = []node.StatEntry{
		{Name: "1.alice.vmess.uplink", Value: 101}, // 101*1.5=151.5 → 151
	}
	store := newFakeUsageStore(nil)
	collector, _ := collectorFixture(store, c)

	collector.CollectUserUsage(context.Background())

	if len(store.userCommits) != 1 {
		t.Fatalf("user commits = %d, want 1", len(store.userCommits))
	}
	if got := store.userCommits[0][1]; got != 151 {
		t.Errorf("scaled delta = %d, want 151 (integer truncation)", got)
	}
}

func TestCollectUserUsageSkipsWhenNoData(t *testing.T) {
	c := newFakeClient(1, node.HealthHealthy)
	c.userStats = []node.StatEntry{
		{Name: "1.alice.vmess.uplink", Value: 0}, // 全零
	}
	store := newFakeUsageStore(nil)
	collector, _ := collectorFixture(store, c)

	collector.CollectUserUsage(context.Background())

	if len(store.userCommits) != 0 {
		t.Errorf("expected no commits for all-zero readings, got %d", len(store.userCommits))
	}
}

func TestCollectUserUsageCoalescesOverlappingTicks(t *testing.T) {
	c := newFakeClient(1, node.HealthHealthy)
	c.block = make(chan struct{})
	c.userStats = []node.StatEntry{{Name: "1.alice.vmess.uplink", Value: 10}}
	store := newFakeUsageStore(nil)
	collector, _ := collectorFixture(store, c)

	done := make(chan struct{})
	go func() {
		collector.CollectUserUsage(context.Background())
		close(done)
	}()

	// 等首轮进入拉取阻塞
	deadline := time.After(time.Second)
	for !collector.userInFlight.Load() {
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		case <-time.After(time.Millisecond):
		}
	}

	// 第二轮应立即被合并跳过
	collector.CollectUserUsage(context.Background())
	if len(store.userCommits) != 0 {
		t.Fatal("coalesced tick must not commit")
	}

	close(c.block)
	<-done

	if len(store.userCommits) != 1 {
		t.Errorf("user commits = %d, want 1 (from the first tick only)", len(store.userCommits))
	}
}

func TestCollectNodeUsage(t *testing.T) {
	c1 := newFakeClient(1, node.HealthHealthy)
	c1.coefficient = 2.0
	c1.outboundStats = []node.StatEntry{
		{Name: "direct.uplink", Value: 10, Link: node.LinkUplink},
		{Name: "direct.downlink", Value: 20, Link: node.LinkDownlink},
	}
	c2 := newFakeClient(2, node.HealthHealthy)
	c2.outboundStats = []node.StatEntry{
		{Name: "direct.uplink", Value: 5, Link: node.LinkUplink},
	}
	store := newFakeUsageStore(nil)
	collector, _ := collectorFixture(store, c1, c2)

	collector.CollectNodeUsage(context.Background())

	if store.nodeRows[1] != [2]int64{20, 40} {
		t.Errorf("node 1 usage = %v, want [20 40] (coefficient applied)", store.nodeRows[1])
	}
	if store.nodeRows[2] != [2]int64{5, 0} {
		t.Errorf("node 2 usage = %v, want [5 0]", store.nodeRows[2])
	}
	if store.systemUplink != 25 || store.systemDownlnk != 40 {
		t.Errorf("system usage = (%d,%d), want (25,40)", store.systemUplink, store.systemDownlnk)
	}
}

func TestCollectSkipsUnhealthyClients(t *testing.T) {
	broken := newFakeClient(1, node.HealthBroken)
	broken.userStats = []node.StatEntry{{Name: "1.alice.vmess.uplink", Value: 999}}
	store := newFakeUsageStore(nil)
	collector, _ := collectorFixture(store, broken)

	collector.CollectUserUsage(context.Background())

	broken.mu.Lock()
	calls := broken.statCalls
	broken.mu.Unlock()
	if calls != 0 {
		t.Errorf("broken client polled %d times, want 0", calls)
	}
}
