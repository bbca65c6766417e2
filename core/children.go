package core

// DirectChildren returns the storables referenced by the properties of s,
// looking through plain objects and collections but not into other
// storables. Each child appears once.
func DirectChildren(s Storable) []Storable {
	var out []Storable
	seen := make(map[ID]bool)
	visiting := make(map[any]bool)

	var visit func(d interface{ Describe(*Fields) })
	visit = func(d interface{ Describe(*Fields) }) {
		for _, p := range Describe(d).Properties() {
			switch p.Kind {
			case KindStorable:
				for _, e := range p.Elements() {
					c, ok := e.(Storable)
					if !ok || seen[c.ID()] {
						continue
					}
					seen[c.ID()] = true
					out = append(out, c)
				}
			case KindObject:
				for _, e := range p.Elements() {
					o, ok := e.(Object)
					if !ok || visiting[e] {
						continue
					}
					visiting[e] = true
					visit(o)
					delete(visiting, e)
				}
			}
		}
	}
	visit(s)
	return out
}
