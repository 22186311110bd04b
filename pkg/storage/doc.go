/*
Package storage persists namespaces, entities, their version chains and
apply records in a single BoltDB file.

Every entity points at the head of an append-only chain of immutable
versions. Updates never rewrite a version: they append a new one and move
the head, optionally guarded by the head the caller last observed
(compare-and-swap), in which case a concurrent writer causes ErrConflict.

Errors wrap the sentinels in errors.go and should be tested with errors.Is.
*/
package storage
