package commands

import (
	"database/sql"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse"
)

// openDatabase opens and migrates the ledger. An empty dbPath uses database.path from config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
		if dbPath == "" {
			dbPath = am.DefaultDatabasePath
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// openEngine loads config, opens the ledger and builds an engine over it.
// The caller closes the returned database.
func openEngine() (*pulse.Engine, *sql.DB, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	engine, err := pulse.New(database, cfg, pulse.Options{}, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return engine, database, nil
}
