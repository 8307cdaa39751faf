package core

import (
	"reflect"
	"testing"

	dbinit "pasarguard/plane/db/init"
)

func projectorFixture(t *testing.T) *UserProjector {
	t.Helper()
	source := &fakeConfigSource{configs: map[int64]*dbinit.WorkerConfig{
		1: workerConfig(1, `{"inbounds":[{"tag":"vmess-in"},{"tag":"vless-in"}]}`, "", ""),
	}}
	store := NewConfigStore(source)
	if err := store.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return NewUserProjector(store)
}

func TestEffectiveInbounds(t *testing.T) {
	projector := projectorFixture(t)

	grant := func(tags string, disabled bool) *dbinit.Group {
		return &dbinit.Group{InboundTags: tags, Disabled: disabled}
	}

	tests := []struct {
		name string
		user *dbinit.User
		want []string
	}{
		{
			name: "active用户取组授予与可用入站的交集",
			user: &dbinit.User{Status: dbinit.UserActive, Groups: []*dbinit.Group{
				grant(`["vmess-in","unknown-in"]`, false),
			}},
			want: []string{"vmess-in"},
		},
		{
			name: "多组并集",
			user: &dbinit.User{Status: dbinit.UserActive, Groups: []*dbinit.Group{
				grant(`["vmess-in"]`, false),
				grant(`["vless-in"]`, false),
			}},
			want: []string{"vless-in", "vmess-in"},
		},
		{
			name: "停用的组不贡献标签",
			user: &dbinit.User{Status: dbinit.UserActive, Groups: []*dbinit.Group{
				grant(`["vmess-in"]`, false),
				grant(`["vless-in"]`, true),
			}},
			want: []string{"vmess-in"},
		},
		{
			name: "on_hold用户照常投影",
			user: &dbinit.User{Status: dbinit.UserOnHold, Groups: []*dbinit.Group{
				grant(`["vless-in"]`, false),
			}},
			want: []string{"vless-in"},
		},
		{
			name: "limited用户为空",
			user: &dbinit.User{Status: dbinit.UserLimited, Groups: []*dbinit.Group{
				grant(`["vmess-in"]`, false),
			}},
			want: nil,
		},
		{
			name: "expired用户为空",
			user: &dbinit.User{Status: dbinit.UserExpired, Groups: []*dbinit.Group{
				grant(`["vmess-in"]`, false),
			}},
			want: nil,
		},
		{
			name: "无组的active用户为空",
			user: &dbinit.User{Status: dbinit.UserActive},
			want: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := projector.EffectiveInbounds(tt.user)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("EffectiveInbounds = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualifiedName(t *testing.T) {
	user := &dbinit.User{ID: 42, Username: "Alice"}
	if got := QualifiedName(user); got != "42.Alice" {
		t.Errorf("QualifiedName = %q, want %q", got, "42.Alice")
	}
}

func TestRemovalPayloadHasEmptyInbounds(t *testing.T) {
	projector := projectorFixture(t)

	user := &dbinit.User{
		ID: 7, Username: "bob", Status: dbinit.UserActive,
		Proxies: `{"vmess":{"id":"uuid"}}`,
		Groups:  []*dbinit.Group{{InboundTags: `["vmess-in"]`}},
	}

	payload := projector.RemovalPayload(user)
	if payload.Name != "7.bob" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.Inbounds == nil || len(payload.Inbounds) != 0 {
		t.Errorf("removal payload inbounds = %v, want empty non-nil", payload.Inbounds)
	}
}
