// Package pebblestore wraps Pebble with an fsync policy, per-commit
// durability overrides, prefix helpers and a metrics hook.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatchWith(ctx, b, pebblestore.DurabilitySync)
//	b.Close()
package pebblestore
