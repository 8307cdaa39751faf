package node

import (
	"testing"
)

func TestParseUserStat(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID int64
		wantOK bool
	}{
		{"标准四段名", "42.alice.vmess.downlink", 42, true},
		{"两段名", "7.bob", 7, true},
		{"非数字前缀", "alice.vmess.downlink", 0, false},
		{"缺少分隔符", "42", 0, false},
		{"零ID", "0.ghost.vless.uplink", 0, false},
		{"负ID", "-3.x.y.z", 0, false},
		{"空串", "", 0, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseUserStat(tt.input)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("ParseUserStat(%q) = (%d, %v), want (%d, %v)",
					tt.input, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestFoldUserStats(t *testing.T) {
	entries := []StatEntry{
		{Name: "1.alice.vmess.uplink", Value: 100},
		{Name: "1.alice.vmess.downlink", Value: 200},
		{Name: "2.bob.vless.downlink", Value: 50},
		{Name: "2.bob.vless.uplink", Value: 0}, // 零值跳过
		{Name: "garbage", Value: 999},          // 无法解析忽略
	}

	totals := FoldUserStats(entries)
	if len(totals) != 2 {
		t.Fatalf("expected 2 users, got %d", len(totals))
	}
	if totals[1] != 300 {
		t.Errorf("user 1: expected 300, got %d", totals[1])
	}
	if totals[2] != 50 {
		t.Errorf("user 2: expected 50, got %d", totals[2])
	}
}

func TestFoldOutboundStats(t *testing.T) {
	entries := []StatEntry{
		{Name: "direct.uplink", Value: 10, Link: LinkUplink},
		{Name: "direct.downlink", Value: 20, Link: LinkDownlink},
		{Name: "proxy.uplink", Value: 5, Link: LinkUplink},
		{Name: "proxy.downlink", Value: 0, Link: LinkDownlink},
	}

	up, down := FoldOutboundStats(entries)
	if up != 15 {
		t.Errorf("uplink: expected 15, got %d", up)
	}
	if down != 20 {
		t.Errorf("downlink: expected 20, got %d", down)
	}
}
