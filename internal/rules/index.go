package rules

// Index maps event types to the rules they can newly satisfy
type Index struct {
	byType  map[string][]Rule
	version int64
	size    int
}

// NewIndex builds a candidacy index over a snapshot
func NewIndex(snapshot *RuleSnapshot) *Index {
	ix := &Index{byType: make(map[string][]Rule)}
	if snapshot == nil {
		return ix
	}

	ix.version = snapshot.Version
	ix.size = len(snapshot.Rules)
	for _, rule := range snapshot.Rules {
		for _, t := range rule.TriggerTypes() {
			ix.byType[t] = append(ix.byType[t], rule)
		}
	}
	return ix
}

// Candidates returns the rules worth evaluating for an event type, in id order
func (ix *Index) Candidates(eventType string) []Rule {
	return ix.byType[eventType]
}

// Version is the snapshot version the index was built from
func (ix *Index) Version() int64 {
	return ix.version
}

// Len returns the number of indexed rules
func (ix *Index) Len() int {
	return ix.size
}
