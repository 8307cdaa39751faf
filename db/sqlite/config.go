package sqlite

import (
	"database/sql"
	"fmt"

	dbinit "pasarguard/plane/db/init"
)

// CreateWorkerConfig 创建工作配置
func (s *SQLiteDB) CreateWorkerConfig(cfg *dbinit.WorkerConfig) error {
	result, err := s.db.Exec(
		`INSERT INTO worker_configs (name, content, exclude, fallbacks) VALUES (?, ?, ?, ?)`,
		cfg.Name, cfg.Content, cfg.Exclude, cfg.Fallbacks,
	)
	if err != nil {
		return err
	}

	cfg.ID, err = result.LastInsertId()
	return err
}

// GetWorkerConfig 获取工作配置
func (s *SQLiteDB) GetWorkerConfig(id int64) (*dbinit.WorkerConfig, error) {
	cfg := &dbinit.WorkerConfig{}
	err := s.db.QueryRow(
		`SELECT id, name, content, exclude, fallbacks, created_at FROM worker_configs WHERE id = ?`, id,
	).Scan(&cfg.ID, &cfg.Name, &cfg.Content, &cfg.Exclude, &cfg.Fallbacks, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

// ListWorkerConfigs 列出工作配置
func (s *SQLiteDB) ListWorkerConfigs() ([]*dbinit.WorkerConfig, error) {
	rows, err := s.db.Query(`SELECT id, name, content, exclude, fallbacks, created_at FROM worker_configs ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []*dbinit.WorkerConfig{}
	for rows.Next() {
		cfg := &dbinit.WorkerConfig{}
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Content, &cfg.Exclude, &cfg.Fallbacks, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// UpdateWorkerConfig 更新工作配置
func (s *SQLiteDB) UpdateWorkerConfig(cfg *dbinit.WorkerConfig) error {
	result, err := s.db.Exec(
		`UPDATE worker_configs SET name=?, content=?, exclude=?, fallbacks=? WHERE id=?`,
		cfg.Name, cfg.Content, cfg.Exclude, cfg.Fallbacks, cfg.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("worker config not found")
	}

	return nil
}

// DeleteWorkerConfig 删除工作配置
func (s *SQLiteDB) DeleteWorkerConfig(id int64) error {
	result, err := s.db.Exec(`DELETE FROM worker_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("worker config not found")
	}

	return nil
}
