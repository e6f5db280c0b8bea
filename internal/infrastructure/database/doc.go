// Package database provides the SQLite connection for cmdbridge.
//
// The database holds two things: the device cache (each exposed device's
// last configuration and state, restored on start-up) and the local state
// history. Schema changes live in the top-level migrations package as
// embedded .up.sql/.down.sql pairs and are applied by Migrate.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
