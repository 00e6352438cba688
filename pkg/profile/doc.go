// Package profile persists each user's credential and notification preference.
//
// Invariants:
// - Save is an upsert keyed by user ID and is idempotent under retry.
// - The store never holds a listen token.
// - A nil credential is stored as NULL and read back as nil.
//
// Usage:
//
//	store, _ := profile.Open(profile.Config{Path: "/tmp/streamrelay/profiles.db", Logger: logger})
//	defer store.Close()
//	_ = store.Save(ctx, "42", &apiKey, true)
//	p, _ := store.Get(ctx, "42")
package profile
