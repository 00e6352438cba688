// Package supervisor turns a queue of activation requests into at most one
// running stream session per user.
//
// Invariants:
// - Requests are applied one at a time, in queue order, by the single Run loop.
// - The session table is written only by Activate; observers read snapshots.
// - A prior session is fully cancelled before its replacement is created.
// - Profile store failures are returned and leave the table untouched.
//
// Usage:
//
//	sup, _ := supervisor.New(supervisor.Options{Session: session.DefaultConfig(), Store: store,
//		Sink: sink, Transport: tr, Logger: logger})
//	go sup.Run(ctx)
//	_ = sup.Submit(supervisor.ActivationRequest{UserID: "42", Credential: &key, Notifications: true})
package supervisor
