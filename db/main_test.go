package db

import (
	"os"
	"path/filepath"
	"testing"

	"pasarguard/plane/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(&logger.Config{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestNewManagerWithoutCache(t *testing.T) {
	manager, err := NewManager(&Config{
		SQLitePath: filepath.Join(t.TempDir(), "plane.db"),
		RedisAddr:  "127.0.0.1:1", // 不可达，降级运行
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	if manager.HasCache() {
		t.Error("unreachable Redis should leave the manager without cache")
	}
	if manager.DB == nil {
		t.Fatal("SQLite store should be usable without cache")
	}

	nodes, err := manager.DB.ListNodes()
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("fresh database should have no nodes, got %d", len(nodes))
	}
}
