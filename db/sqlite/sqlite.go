package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	dbinit "pasarguard/plane/db/init"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB SQLite数据库客户端
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB 创建新的SQLite数据库连接
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &SQLiteDB{db: db}

	if err := dbinit.InitSQLiteSchema(db); err != nil {
		return nil, err
	}

	return client, nil
}

// Close 关闭数据库连接
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// GetDB 获取原始数据库连接
func (s *SQLiteDB) GetDB() *sql.DB {
	return s.db
}
