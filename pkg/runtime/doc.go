/*
Package runtime runs cargo containers on containerd and reports their
addresses back to the object store.

The Effector subscribes to change events. A Cargo Created or Updated event
replaces the container with one built from the head version, starts it and
records the inspected address with SetRuntimeAddress, which in turn lets
the gateway projector resolve proxy targets. Deleted events remove the
container. Address updates publish an Updated event of their own; the
effector recognises them because the version it deployed is still the head.

Cargoes run with host networking, so the runtime address is the configured
host address.
*/
package runtime
