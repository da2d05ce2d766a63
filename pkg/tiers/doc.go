// Package tiers stores free-text memory records across five temporal tiers.
//
// Records are appended to <root>/<tier>/<YYYY-MM-DD>/<session>.ndjson, where
// the day comes from the record's logical timestamp. Appends take an exclusive
// lock on the partition file, write one complete line and fsync before the
// lock is released. Reads never lock and skip unreadable lines.
//
// Writes to the ultra_long tier must carry a gate token issued for the
// SHA-256 of the exact text being written.
//
// Usage:
//
//	store, err := tiers.New(tiers.Config{Root: dir})
//	res, err := store.Put(ctx, tiers.PutRequest{
//		Tier:      tiers.Short,
//		SessionID: "s1",
//		Text:      "deploy uses blue/green",
//	})
//	scan, err := store.Scan(ctx, tiers.ScanOptions{MaxFiles: 200})
package tiers
