package process

import "strings"

// MergeEnv combines environment lists. Later entries replace earlier ones with
// the same name, keeping the position of the first occurrence.
func MergeEnv(lists ...[]string) []string {
	var out []string
	index := make(map[string]int)
	for _, list := range lists {
		for _, kv := range list {
			name, _, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				continue
			}
			if i, seen := index[name]; seen {
				out[i] = kv
				continue
			}
			index[name] = len(out)
			out = append(out, kv)
		}
	}
	return out
}
