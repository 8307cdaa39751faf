package core

import (
	"fmt"
	"testing"

	dbinit "pasarguard/plane/db/init"
)

// fakeConfigSource 测试用配置源
type fakeConfigSource struct {
	configs map[int64]*dbinit.WorkerConfig
}

func (f *fakeConfigSource) GetWorkerConfig(id int64) (*dbinit.WorkerConfig, error) {
	return f.configs[id], nil
}

func (f *fakeConfigSource) ListWorkerConfigs() ([]*dbinit.WorkerConfig, error) {
	out := []*dbinit.WorkerConfig{}
	for _, cfg := range f.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func workerConfig(id int64, content, exclude, fallbacks string) *dbinit.WorkerConfig {
	return &dbinit.WorkerConfig{
		ID:        id,
		Name:      fmt.Sprintf("config-%d", id),
		Content:   []byte(content),
		Exclude:   exclude,
		Fallbacks: fallbacks,
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		exclude   string
		fallbacks string
		wantTags  []string
		wantErr   bool
	}{
		{
			name:     "合法配置",
			content:  `{"inbounds":[{"tag":"vmess-in"},{"tag":"vless-in"}]}`,
			wantTags: []string{"vmess-in", "vless-in"},
		},
		{
			name:     "排除标签不参与投影",
			content:  `{"inbounds":[{"tag":"vmess-in"},{"tag":"api"}]}`,
			exclude:  `["api"]`,
			wantTags: []string{"vmess-in"},
		},
		{
			name:      "回落标签不参与投影",
			content:   `{"inbounds":[{"tag":"vless-in"},{"tag":"fallback"}]}`,
			fallbacks: `["fallback"]`,
			wantTags:  []string{"vless-in"},
		},
		{
			name:    "非法JSON",
			content: `{not json`,
			wantErr: true,
		},
		{
			name:    "重复入站标签",
			content: `{"inbounds":[{"tag":"a"},{"tag":"a"}]}`,
			wantErr: true,
		},
		{
			name:    "排除标签未声明",
			content: `{"inbounds":[{"tag":"a"}]}`,
			exclude: `["ghost"]`,
			wantErr: true,
		},
		{
			name:      "回落标签未声明",
			content:   `{"inbounds":[{"tag":"a"}]}`,
			fallbacks: `["ghost"]`,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tags, err := ValidateWorkerConfig(workerConfig(1, tt.content, tt.exclude, tt.fallbacks))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(tags) != len(tt.wantTags) {
				t.Fatalf("tags = %v, want %v", tags, tt.wantTags)
			}
			for i, tag := range tt.wantTags {
				if tags[i] != tag {
					t.Errorf("tags[%d] = %q, want %q", i, tags[i], tag)
				}
			}
		})
	}
}

func TestConfigStoreActiveInbounds(t *testing.T) {
	source := &fakeConfigSource{configs: map[int64]*dbinit.WorkerConfig{
		1: workerConfig(1, `{"inbounds":[{"tag":"vmess-in"},{"tag":"shared"}]}`, "", ""),
		2: workerConfig(2, `{"inbounds":[{"tag":"vless-in"},{"tag":"shared"}]}`, "", ""),
	}}

	store := NewConfigStore(source)
	if err := store.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	active := store.ActiveInbounds()
	for _, tag := range []string{"vmess-in", "vless-in", "shared"} {
		if _, ok := active[tag]; !ok {
			t.Errorf("missing inbound %q in union", tag)
		}
	}
	if len(active) != 3 {
		t.Errorf("union size = %d, want 3", len(active))
	}
}

func TestConfigStoreGetReloadsAfterInvalidate(t *testing.T) {
	source := &fakeConfigSource{configs: map[int64]*dbinit.WorkerConfig{
		1: workerConfig(1, `{"inbounds":[{"tag":"old-in"}]}`, "", ""),
	}}

	store := NewConfigStore(source)
	entry, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Inbounds[0] != "old-in" {
		t.Fatalf("inbounds = %v", entry.Inbounds)
	}

	// 配置变更后失效，下一次Get应回源
	source.configs[1] = workerConfig(1, `{"inbounds":[{"tag":"new-in"}]}`, "", "")
	store.Invalidate(1)

	entry, err = store.Get(1)
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if entry.Inbounds[0] != "new-in" {
		t.Errorf("inbounds after invalidate = %v, want [new-in]", entry.Inbounds)
	}
}

func TestConfigStoreGetMissing(t *testing.T) {
	store := NewConfigStore(&fakeConfigSource{configs: map[int64]*dbinit.WorkerConfig{}})
	if _, err := store.Get(9); err == nil {
		t.Fatal("expected error for missing config")
	}
}
