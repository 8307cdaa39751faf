package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	dbinit "pasarguard/plane/db/init"
)

const nodeColumns = `id, name, address, port, connection_type, coefficient, config_id, token,
	keep_alive, log_capacity, enabled, status, message, last_status_change,
	xray_version, node_version, created_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*dbinit.Node, error) {
	node := &dbinit.Node{}
	err := row.Scan(
		&node.ID, &node.Name, &node.Address, &node.Port, &node.ConnectionType,
		&node.Coefficient, &node.ConfigID, &node.Token, &node.KeepAlive,
		&node.LogCapacity, &node.Enabled, &node.Status, &node.Message,
		&node.LastStatusChange, &node.XrayVersion, &node.NodeVersion, &node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// CreateNode 创建节点
func (s *SQLiteDB) CreateNode(node *dbinit.Node) error {
	query := `
		INSERT INTO nodes (name, address, port, connection_type, coefficient, config_id, token,
			keep_alive, log_capacity, enabled, status, last_status_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query, node.Name, node.Address, node.Port, node.ConnectionType,
		node.Coefficient, node.ConfigID, node.Token, node.KeepAlive, node.LogCapacity,
		node.Enabled, dbinit.NodeDisconnected, time.Now())
	if err != nil {
		return err
	}

	node.ID, err = result.LastInsertId()
	return err
}

// GetNode 获取节点
func (s *SQLiteDB) GetNode(id int64) (*dbinit.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`
	node, err := scanNode(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

// ListNodes 列出节点
func (s *SQLiteDB) ListNodes() ([]*dbinit.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []*dbinit.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// EnabledNodes 列出所有启用的节点
func (s *SQLiteDB) EnabledNodes() ([]*dbinit.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE enabled = 1 ORDER BY id ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []*dbinit.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// UpdateNode 更新节点
func (s *SQLiteDB) UpdateNode(node *dbinit.Node) error {
	query := `
		UPDATE nodes
		SET name=?, address=?, port=?, connection_type=?, coefficient=?, config_id=?, token=?,
			keep_alive=?, log_capacity=?, enabled=?
		WHERE id=?
	`
	result, err := s.db.Exec(query, node.Name, node.Address, node.Port, node.ConnectionType,
		node.Coefficient, node.ConfigID, node.Token, node.KeepAlive, node.LogCapacity,
		node.Enabled, node.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}

// UpdateNodeStatus 持久化节点状态变更（单条UPDATE）
func (s *SQLiteDB) UpdateNodeStatus(id int64, status, message string, changedAt time.Time, xrayVersion, nodeVersion string) error {
	query := `
		UPDATE nodes
		SET status=?, message=?, last_status_change=?, xray_version=?, node_version=?
		WHERE id=?
	`
	_, err := s.db.Exec(query, status, message, changedAt, xrayVersion, nodeVersion, id)
	return err
}

// DeleteNode 删除节点
func (s *SQLiteDB) DeleteNode(id int64) error {
	result, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}
