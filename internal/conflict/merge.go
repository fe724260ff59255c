package conflict

import (
	"fmt"
	"sort"
)

// MergePolicy selects which side of a field conflict survives.
type MergePolicy string

const (
	// MergeServerWins keeps the server value.
	MergeServerWins MergePolicy = "server_wins"

	// MergeClientWins keeps the client value.
	MergeClientWins MergePolicy = "client_wins"

	// MergeCombine feeds both values through the rule's combinator.
	MergeCombine MergePolicy = "merge"
)

// Combinator merges a server and a client value into one.
type Combinator func(server, client any) any

// MergeRule is a per-field merge policy. Rules are configuration, not
// runtime state: built once, looked up by field name at resolution time.
type MergeRule struct {
	Policy  MergePolicy
	Combine Combinator
}

// Apply resolves one field under the rule. A combine rule without a
// combinator falls back to the server value.
func (r MergeRule) Apply(server, client any) any {
	switch r.Policy {
	case MergeClientWins:
		return client
	case MergeCombine:
		if r.Combine != nil {
			return r.Combine(server, client)
		}
		return server
	default:
		return server
	}
}

// ConcatStrings returns a combinator joining two free-text values with
// the separator. Empty or equal sides collapse to a single value.
func ConcatStrings(sep string) Combinator {
	return func(server, client any) any {
		s := stringify(server)
		c := stringify(client)
		switch {
		case s == "":
			return c
		case c == "" || s == c:
			return s
		default:
			return s + sep + c
		}
	}
}

// UnionSets merges two tag-like collections into their deduplicated
// union, server elements first, then client elements not already
// present. The result is stable: merging again adds nothing.
func UnionSets(server, client any) any {
	out := make([]any, 0)
	seen := make(map[string]bool)

	appendAll := func(v any) {
		for _, e := range toSlice(v) {
			key := fmt.Sprintf("%v", normalize(e))
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	appendAll(server)
	appendAll(client)
	return out
}

// SortedUnionSets is UnionSets with a deterministic lexicographic
// ordering, for callers that need stable output regardless of input
// order.
func SortedUnionSets(server, client any) any {
	merged := toSlice(UnionSets(server, client))
	sort.Slice(merged, func(i, j int) bool {
		return fmt.Sprintf("%v", merged[i]) < fmt.Sprintf("%v", merged[j])
	})
	return merged
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return []any{v}
	}
}
