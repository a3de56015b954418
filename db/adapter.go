package db

import (
	"fmt"
	"sync/atomic"

	"github.com/openrp/charcore/config"
	dbmysql "github.com/openrp/charcore/db/mysql"
	dbsqlite "github.com/openrp/charcore/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeMemory = "memory"
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
)

// memorySeq names each in-memory database uniquely so independent Opens do
// not share state, while connections within one pool still do.
var memorySeq atomic.Int64

// Open returns a *gorm.DB for the configured database mode.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeMemory:
		dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memorySeq.Add(1))
		return dbsqlite.Open(dsn)
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath)
	case ModeMySQL:
		return dbmysql.Open(cfg.MySQLDSN, cfg.MySQLMaxOpen, cfg.MySQLMaxIdle, cfg.MySQLMaxLife)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
