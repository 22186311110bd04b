/*
Package ingress projects ProxyRule resources into an nginx configuration
directory and keeps that directory consistent with the object store.

# Architecture

	object store ──events──▶ Projector ──atomic writes──▶ conf_dir
	     ▲                      │  ▲                         │
	     └──── list / get ──────┘  └──── RequestResync ── DriftWatcher
	                            │
	                            └──▶ Reloader (nginx -s reload)

The Projector is the only writer of the directory. It renders every
ProxyRule resource to one file:

	<conf_dir>/sites-enabled/<name>.conf     http rules
	<conf_dir>/streams-enabled/<name>.conf   stream rules
	<conf_dir>/conf.d/default.conf           fallback server

Files are replaced with a rename so nginx never reads a partial file. The
gateway is reloaded once per event batch; a failed reload is logged,
counted and reported through health but the written files are kept.

# Consistency

Events are handled in sequence order. A gap in the sequence (the
subscription dropped events), a periodic timer and any detected drift all
trigger a full resync, which clears the directory and renders the live
resource set again. Two resyncs over the same store produce byte-identical
trees.

When two resources in different namespaces share a name, the one created
first owns the file and the other is skipped with an error until the owner
goes away.

Cargo targets without a runtime address render as a disabled location
("return 503") so one stopped cargo does not break the whole gateway. Cargo
events re-render every rule that targets or watches the cargo.
*/
package ingress
