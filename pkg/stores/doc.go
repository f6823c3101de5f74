// Package stores persists the operation journal. Every mutating operation the
// dispatcher runs is recorded with its outcome and compensating operation, so a
// later session can list what changed and roll a change back.
//
// The SQLite store runs in WAL mode with embedded migrations:
//
//	store, err := stores.NewSQLiteStore(stores.Config{Path: "keel.db"})
//	if err != nil {
//		return err
//	}
//	if err := store.Init(ctx); err != nil {
//		return err
//	}
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
//	defer store.Close()
//
//	d := controller.NewDispatcher(controller.Options{Registry: reg, Journal: store})
package stores
