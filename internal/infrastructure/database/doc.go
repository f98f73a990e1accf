// Package database opens the hub's SQLite store and runs its embedded
// schema migrations.
//
// SQLite fits the hub's profile: a single process, modest write rates
// and no operational dependencies. The pool is pinned to one
// connection because SQLite permits one writer; WAL mode keeps reads
// flowing during writes, and the file is chmodded to 0600 since it
// holds the full device registry and automation rules.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only pairs of .up.sql/.down.sql files,
// embedded by the top-level migrations package and applied in version
// order, each in its own transaction. All queries elsewhere in the
// repo use parameterised statements.
package database
