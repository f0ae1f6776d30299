// Package database provides the SQLite connection used by the Loxone bridge.
//
// The database is a single local file holding the event history. It is opened
// with WAL mode and a busy timeout, and its schema is managed by embedded
// migrations:
//
//	db, err := database.Open(database.Config{Path: "./data/loxone.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql and are applied in version order.
package database
