// Package manager wraps the persistent store with change notification.
// Every successful mutation is followed by exactly one event on the broker.
package manager
