package retrieval

import (
	"sort"

	"paperscope/internal/vector"
)

const maxTitleLen = 50

type Node struct {
	ID      int    `json:"id"`
	PaperID string `json:"paper_id"`
	Title   string `json:"title"`
	Degree  int    `json:"degree"`
	Size    int    `json:"size"`
}

type Edge struct {
	Source int     `json:"source"`
	Target int     `json:"target"`
	Weight float64 `json:"weight"`
}

// Graph is an undirected similarity graph over a set of papers.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// BuildKNNGraph links every paper to its nearest neighbours by cosine
// similarity. Each node considers min(neighbors, len(matches)) - 1 other
// nodes; an edge is kept when its similarity exceeds minSimilarity. Nodes
// grow with their degree.
func BuildKNNGraph(matches []vector.Match, neighbors int, minSimilarity float64) *Graph {
	n := len(matches)
	g := &Graph{Nodes: make([]Node, n), Edges: []Edge{}}
	for i, m := range matches {
		g.Nodes[i] = Node{ID: i, PaperID: m.ID, Title: TruncateTitle(m.Payload.Title)}
	}

	k := neighbors
	if k > n {
		k = n
	}
	if k < 2 {
		finishNodes(g)
		return g
	}

	type pair struct{ a, b int }
	seen := make(map[pair]bool)

	type candidate struct {
		j   int
		sim float64
	}
	for i := 0; i < n; i++ {
		cands := make([]candidate, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, candidate{j: j, sim: vector.CosineSimilarity(matches[i].Vector, matches[j].Vector)})
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].sim > cands[b].sim })

		for _, c := range cands[:k-1] {
			if c.sim <= minSimilarity {
				continue
			}
			p := pair{a: i, b: c.j}
			if p.a > p.b {
				p.a, p.b = p.b, p.a
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			g.Edges = append(g.Edges, Edge{Source: p.a, Target: p.b, Weight: c.sim})
			g.Nodes[p.a].Degree++
			g.Nodes[p.b].Degree++
		}
	}

	finishNodes(g)
	return g
}

func finishNodes(g *Graph) {
	for i := range g.Nodes {
		g.Nodes[i].Size = 10 + 5*g.Nodes[i].Degree
	}
}

// TruncateTitle shortens long titles for graph labels.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= maxTitleLen {
		return title
	}
	return string(r[:maxTitleLen]) + "..."
}
