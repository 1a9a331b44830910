package registry

const (
	// keyPrefixInstance is the prefix for per-instance hash keys.
	keyPrefixInstance = "fleet:instance:"
	// keyAllInstances is the set of every known instance name.
	keyAllInstances = "fleet:instances:all"
	// keyCapacity is the CapacityCounter row.
	keyCapacity = "fleet:capacity"
	// keyScalingState is the ScalingState row.
	keyScalingState = "fleet:scaling_state"
)

// instanceKey returns the Redis key for an instance record by name.
func instanceKey(name string) string {
	return keyPrefixInstance + name
}
