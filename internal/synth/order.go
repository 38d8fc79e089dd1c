package synth

import (
	"sort"
	"strings"

	"sqlexam/internal/schema"
)

// Tiers groups tables so that every table comes after the tables it
// references. Tables inside a tier are sorted by name. When the remaining
// tables form a cycle, they are flushed as one final tier in name order; the
// insert-time recursion guard resolves those references. Self references
// never block a table.
func Tiers(s *schema.Schema) [][]string {
	remaining := make(map[string]string, len(s.Tables))
	deps := make(map[string]map[string]struct{}, len(s.Tables))
	for _, tbl := range s.Tables {
		key := strings.ToLower(tbl.Name)
		remaining[key] = tbl.Name
		deps[key] = make(map[string]struct{})
	}
	for _, tbl := range s.Tables {
		child := strings.ToLower(tbl.Name)
		for _, fk := range tbl.ForeignKeys {
			parent := strings.ToLower(fk.RefTable)
			if parent == child {
				continue
			}
			if _, ok := remaining[parent]; !ok {
				continue
			}
			deps[child][parent] = struct{}{}
		}
	}

	var tiers [][]string
	for len(remaining) > 0 {
		var tier []string
		for key := range remaining {
			if len(deps[key]) == 0 {
				tier = append(tier, key)
			}
		}
		if len(tier) == 0 {
			for key := range remaining {
				tier = append(tier, key)
			}
		}
		sort.Strings(tier)
		names := make([]string, 0, len(tier))
		for _, key := range tier {
			names = append(names, remaining[key])
			delete(remaining, key)
		}
		for _, key := range tier {
			for child := range deps {
				delete(deps[child], key)
			}
		}
		tiers = append(tiers, names)
	}
	return tiers
}

// Order flattens Tiers into an insertion order.
func Order(s *schema.Schema) []string {
	var order []string
	for _, tier := range Tiers(s) {
		order = append(order, tier...)
	}
	return order
}
