package taskflow

// BuildInputMapping maps the input key of each edge to the current result
// value of its upstream state. Purged and unset results map to nil.
func BuildInputMapping(edges map[*Edge]*TaskState) map[string]any {
	mapping := make(map[string]any, len(edges))
	for edge, state := range edges {
		if state == nil {
			mapping[edge.Key] = nil
			continue
		}
		mapping[edge.Key] = state.Result.Value()
	}
	return mapping
}
