/*
Package events is the change notifier: an in-memory broker that fans out
namespace and entity change events to subscribers.

Publish stamps each event with a broker-wide sequence number and queues it;
a single distribution goroutine delivers events to every subscription in
publication order. Subscriptions only see events published after they were
created, there is no replay.

When a subscriber buffer is full the configured Policy applies. PolicyDrop
skips the delivery and counts it; consumers that must converge (the proxy
projector) detect the gap through Event.Seq and fall back to a full resync.
PolicyBlock stalls distribution until the subscriber catches up.
*/
package events
