package closure

// item is a frontier entry.
type item struct {
	id    string
	score float64
	depth int
}

// frontier is a max-heap on score, ties broken by id ascending.
type frontier []item

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	if f[i].score != f[j].score {
		return f[i].score > f[j].score
	}
	return f[i].id < f[j].id
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(item)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}

// pending reports whether an entry could still be expanded.
func (f frontier) pending(expanded map[string]int, maxDepth int) bool {
	for _, it := range f {
		if d, ok := expanded[it.id]; (!ok || it.depth < d) && it.depth < maxDepth {
			return true
		}
	}
	return false
}
