package init

import (
	"database/sql"
	"fmt"
)

// InitSQLiteSchema 初始化SQLite表结构
func InitSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		connection_type TEXT NOT NULL DEFAULT 'ws',
		coefficient REAL NOT NULL DEFAULT 1.0,
		config_id INTEGER NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		keep_alive INTEGER NOT NULL DEFAULT 20,
		log_capacity INTEGER NOT NULL DEFAULT 100,
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'disconnected',
		message TEXT NOT NULL DEFAULT '',
		last_status_change TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		xray_version TEXT NOT NULL DEFAULT '',
		node_version TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (config_id) REFERENCES worker_configs(id)
	);

	CREATE TABLE IF NOT EXISTS worker_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		content BLOB NOT NULL,
		exclude TEXT NOT NULL DEFAULT '[]',
		fallbacks TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		disabled INTEGER NOT NULL DEFAULT 0,
		inbound_tags TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS admins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL DEFAULT '',
		users_usage INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		proxies TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		expire TIMESTAMP,
		data_limit INTEGER NOT NULL DEFAULT 0,
		used_traffic INTEGER NOT NULL DEFAULT 0,
		last_status_change TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		online_at TIMESTAMP,
		edited_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		on_hold_expire_duration INTEGER NOT NULL DEFAULT 0,
		on_hold_timeout TIMESTAMP,
		admin_id INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (admin_id) REFERENCES admins(id)
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		user_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, group_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS next_plans (
		user_id INTEGER PRIMARY KEY,
		data_limit INTEGER NOT NULL DEFAULT 0,
		expire_duration INTEGER NOT NULL DEFAULT 0,
		group_ids TEXT NOT NULL DEFAULT '[]',
		add_remaining_traffic INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS node_user_usages (
		created_at TIMESTAMP NOT NULL,
		user_id INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		used_traffic INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (created_at, user_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS node_usages (
		created_at TIMESTAMP NOT NULL,
		node_id INTEGER NOT NULL,
		uplink INTEGER NOT NULL DEFAULT 0,
		downlink INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (created_at, node_id)
	);

	CREATE TABLE IF NOT EXISTS system_usage (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		uplink INTEGER NOT NULL DEFAULT 0,
		downlink INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS notification_reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, type, threshold),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
	CREATE INDEX IF NOT EXISTS idx_users_admin ON users(admin_id);
	CREATE INDEX IF NOT EXISTS idx_nuu_user ON node_user_usages(user_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_enabled ON nodes(enabled);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	// 保证全局流量单行存在
	if _, err := db.Exec(`INSERT OR IGNORE INTO system_usage (id, uplink, downlink) VALUES (1, 0, 0)`); err != nil {
		return fmt.Errorf("failed to seed system usage row: %w", err)
	}

	return nil
}
