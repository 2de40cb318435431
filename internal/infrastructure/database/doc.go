// Package database provides the SQLite store behind the gateway's audit
// trail.
//
// The gateway keeps its live state in memory; SQLite only records who
// changed the asset document or issued a command, and when.
//
// # Usage
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// # Migrations
//
// Migrations are embedded SQL files, applied in version order, each in its
// own transaction. They are additive only.
package database
