// Package bridge relays ingested events between server instances so that
// every instance fans out to its own local connections.
package bridge

import "github.com/gridwatch/realtime/src/event"

// Bridge defines the cross-instance event relay.
type Bridge interface {
	// Publish sends an event to all other instances via the bridge.
	Publish(ev event.Event) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// IngestTarget is implemented by the hub to receive events from the
// bridge. Bridge-delivered events fan out locally only; they are never
// re-published.
type IngestTarget interface {
	IngestLocal(ev event.Event)
}
