package store

import "fmt"

// Resource names the kind of record a Redis key addresses.
type Resource string

const (
	ResourceNode        Resource = "nodes"
	ResourceLatestMetric Resource = "latest_metric"
	ResourceCommand      Resource = "commands"
)

// Key constructs a fully qualified Redis key.
// Format: fleetcore:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("fleetcore:%s:%s", resource, id)
}

// Prefix constructs a search pattern prefix for a resource.
func Prefix(resource Resource) string {
	return fmt.Sprintf("fleetcore:%s:", resource)
}
