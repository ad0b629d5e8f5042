// Package stores persists device snapshots and reconciliation runs in SQLite.
//
// Two datastores share one entities table. The config datastore holds the
// desired state of every device, including stale markers; the operational
// datastore holds what devices last reported. Each flow, group, meter and
// table features entry is one row keyed by its entity path, so stale markers
// can be deleted one path at a time through a ConfigWriteTx.
//
// The store opens the database with WAL mode and a busy timeout, and applies
// the embedded migrations with golang-migrate:
//
//	store, err := stores.NewSQLiteStore(stores.Config{Path: "flowsync.db"})
//	if err != nil {
//	    return err
//	}
//	if err := store.Init(ctx); err != nil {
//	    return err
//	}
//	if err := store.Migrate(ctx); err != nil {
//	    return err
//	}
//
//	reader := store.ConfigReader() // engine.SnapshotReader
package stores
