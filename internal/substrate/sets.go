package substrate

import (
	"context"
	"sort"
)

// Intersect returns the members present in every input set, sorted.
// With no inputs it returns nil.
func Intersect(sets ...[]string) []string {
	if len(sets) == 0 {
		return nil
	}

	counts := make(map[string]int, len(sets[0]))
	for i, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, m := range set {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			if counts[m] == i {
				counts[m]++
			}
		}
	}

	out := make([]string, 0, len(counts))
	for m, c := range counts {
		if c == len(sets) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Union returns the members present in any input set, sorted.
func Union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, m := range set {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IntersectKeys reads each set and intersects them client-side.
func IntersectKeys(ctx context.Context, kv KeyValue, keys ...string) ([]string, error) {
	sets := make([][]string, 0, len(keys))
	for _, key := range keys {
		members, err := kv.SMembers(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}
		sets = append(sets, members)
	}
	return Intersect(sets...), nil
}
