package runtime

import (
	"context"
	"fmt"
	"strings"
)

// Resolve finds the single VM identified by ref, which may be an exact
// name, an exact ID, or an unambiguous prefix of an ID — in that priority
// order, matching the resolution rule the image store's tag/digest lookup
// and the distilled CLI's container lookup both follow: exact match wins
// outright, otherwise a unique prefix, otherwise an error naming every
// candidate.
func (r *Registry) Resolve(ctx context.Context, ref string) (*Record, error) {
	if ref == "" {
		return nil, fmt.Errorf("runtime.resolve: empty identifier")
	}

	if rec, err := r.GetByName(ctx, ref); err == nil {
		return rec, nil
	}
	if rec, err := r.Get(ctx, ref); err == nil {
		return rec, nil
	}

	all, err := r.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime.resolve: %w", err)
	}
	var matches []Record
	for _, rec := range all {
		if strings.HasPrefix(rec.ID, ref) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("runtime.resolve: no vm matches %q", ref)
	case 1:
		return &matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = shortID(m.ID)
		}
		return nil, fmt.Errorf("runtime.resolve: %q is ambiguous, matches %s", ref, strings.Join(ids, ", "))
	}
}
