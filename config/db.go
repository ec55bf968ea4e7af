package config

import (
	dbm "github.com/tendermint/tm-db"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the Config.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dbType := dbm.BackendType(ctx.Config.DBBackend)

	return dbm.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
}

// MemDBProvider ignores the configured backend and returns a fresh
// in-memory database.
func MemDBProvider(*DBContext) (dbm.DB, error) {
	return dbm.NewMemDB(), nil
}
