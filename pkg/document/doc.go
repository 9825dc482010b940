// Package document implements the authoritative sync engine for shared
// documents.
//
// Each document is owned by one worker goroutine that serializes every
// submit, snapshot, and presence-broadcast for that document. The
// single-writer discipline makes "compare baseVersion to version, then
// mutate" atomic without a locking protocol and yields the per-document
// total order the broadcast layer relies on. Sessions editing different
// documents proceed fully in parallel.
//
// The engine never auto-merges: an operation submitted against a stale
// version is rejected with a conflict carrying the authoritative version,
// and the submitting client chooses between reloading the authoritative
// state and force-saving against the current version.
package document
