// Package database provides SQLite storage for motionlink.
//
// It opens the database with WAL mode and a busy timeout, restricts the
// pool to a single connection, and applies versioned migrations from
// any fs.FS (the embedded migrations package in production, an
// fstest.MapFS in tests).
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is chmod 0600
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or have defaults,
// and every .up.sql ships with a .down.sql.
package database
