package manifest

// SubtractActivations returns the mappings of a that are not present in b,
// compared by key, preserving a's insertion order. Used to compute
// Obsolete = A_old \ A_new and Fresh = A_new \ A_old.
func SubtractActivations(a, b []*ActivationMapping) []*ActivationMapping {
	present := make(map[ActivationKey]struct{}, len(b))
	for _, m := range b {
		present[m.Key] = struct{}{}
	}
	var out []*ActivationMapping
	for _, m := range a {
		if _, ok := present[m.Key]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// SubtractSnapshots returns the mappings of a that are not present in b,
// compared by key, preserving a's insertion order.
func SubtractSnapshots(a, b []*SnapshotMapping) []*SnapshotMapping {
	present := make(map[SnapshotKey]struct{}, len(b))
	for _, m := range b {
		present[m.Key] = struct{}{}
	}
	var out []*SnapshotMapping
	for _, m := range a {
		if _, ok := present[m.Key]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// ByKey indexes an activation array by key for O(1) dependency lookups.
func ByKey(mappings []*ActivationMapping) map[ActivationKey]*ActivationMapping {
	idx := make(map[ActivationKey]*ActivationMapping, len(mappings))
	for _, m := range mappings {
		idx[m.Key] = m
	}
	return idx
}

// Dependents returns, for the given array, the mappings that directly
// depend on key (i.e. key appears in their DependsOn). Used by the
// deactivation pass, which must walk dependents before a service itself.
func Dependents(all []*ActivationMapping, key ActivationKey) []*ActivationMapping {
	var out []*ActivationMapping
	for _, m := range all {
		for _, dep := range m.DependsOn {
			if dep == key {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
