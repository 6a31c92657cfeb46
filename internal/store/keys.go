package store

import (
	"fmt"
)

// Resource names the kind of object a Redis key refers to.
type Resource string

const (
	ResourceProviderSync Resource = "sync"
	ResourceExecution    Resource = "executions"
)

// Key constructs a fully qualified Redis key.
// Format: fleet-plex:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("fleet-plex:%s:%s", resource, id)
}

// Channel constructs the pub/sub channel for a resource's events.
// Format: fleet-plex:events:{resource}
func Channel(resource Resource) string {
	return fmt.Sprintf("fleet-plex:events:%s", resource)
}
