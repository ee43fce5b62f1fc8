// Package bundle builds bundle artifacts and records the outcome in the store.
//
// Owns:
//   - The in-flight registry: the set of bundle keys with a build executing
//   - The build lifecycle: building -> ready | failed
//   - Builder implementations (the comment Harvester)
//
// Does not own:
//   - Deciding when a key is due (package cron, or the HTTP fetch path)
//   - Storage internals (store.SQLite) and artifact storage (blob.LocalFS)
//
// Invariants:
//   - At most one build per key executes at a time; callers arriving while it
//     runs join it and observe the same outcome
//   - Every build writes "building" before its terminal "ready" or "failed"
//     record; if the building write fails no build runs
//   - A key leaves the registry when its build ends, whether or not the
//     terminal write succeeded
package bundle
