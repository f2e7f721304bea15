// Package poller mirrors upstream run history into the store.
//
// The main components are:
//
//   - [Fetcher]: one conditional upstream request per source, followed by
//     diff-and-persist against the stored state
//   - [Cycle]: runs the Fetcher for every source concurrently, isolates
//     per-source failures and publishes the resulting change events
//   - [Scheduler]: runs a Cycle immediately, then on a fixed interval, and
//     on demand; overlapping requests share one in-flight cycle
//
// The upstream API is reached through the [Upstream] interface so that the
// engine does not depend on a particular client.
package poller
