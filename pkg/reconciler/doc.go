/*
Package reconciler applies manifests to the object store.

Apply walks the manifest in dependency order (namespaces, resources, then
cargoes and vms) and decides per object between create, update and noop.
A payload that is structurally equal to the current head never produces a
new version, which is what makes applying the same manifest twice a no-op.
Every change is written to an apply record, keyed by the fingerprint of the
manifest's object set.

Revert consumes the newest record for a manifest and walks it backwards:
created entities are deleted, updated entities receive a new version copying
the payload they had before the apply. Reset does the same for an arbitrary
earlier version of one entity. History chains therefore only ever grow.

Updates are guarded by the head the engine read; losing that race is
retried once before the object is reported as a conflict.
*/
package reconciler
