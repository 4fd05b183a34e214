package cluster

import (
	"errors"
	"sync"

	"github.com/coder/hnsw"

	"github.com/infvision/photosort/internal/embedding"
)

const indexMaxNeighbors = 16

// Index is an HNSW similarity index over a session's embeddings, used by the
// similar-search diagnostics. Clustering does not use it: approximate recall
// is acceptable here, not there.
type Index struct {
	graph   *hnsw.Graph[string]
	vectors map[string][]float32
	mu      sync.RWMutex
}

// Neighbor is one similarity search result.
type Neighbor struct {
	Fingerprint string  `json:"fingerprint"`
	Distance    float64 `json:"distance"`
}

func NewIndex() *Index {
	return &Index{vectors: make(map[string][]float32)}
}

// Build replaces the index contents with the given embedding set.
func (ix *Index) Build(embeddings map[string][]float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := hnsw.NewGraph[string]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors) // standard HNSW formula
	g.Distance = hnsw.CosineDistance

	ix.vectors = make(map[string][]float32, len(embeddings))
	for fp, vec := range embeddings {
		if len(vec) == 0 {
			continue
		}
		normalized := embedding.Normalize(vec)
		g.Add(hnsw.MakeNode(fp, normalized))
		ix.vectors[fp] = normalized
	}
	ix.graph = g
}

// Len returns the number of indexed embeddings.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// Search finds the k nearest neighbors to the query embedding. Distances are
// recomputed exactly from the node vectors for stable ranking.
func (ix *Index) Search(query []float32, k int) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil {
		return nil, errors.New("index not initialized")
	}

	nodes := ix.graph.Search(embedding.Normalize(query), k)
	neighbors := make([]Neighbor, len(nodes))
	for i, n := range nodes {
		neighbors[i] = Neighbor{
			Fingerprint: n.Key,
			Distance:    embedding.CosineDistance(query, n.Value),
		}
	}
	return neighbors, nil
}

// SearchByFingerprint finds the k nearest neighbors of an indexed image,
// excluding the image itself.
func (ix *Index) SearchByFingerprint(fp string, k int) ([]Neighbor, error) {
	ix.mu.RLock()
	vec, ok := ix.vectors[fp]
	ix.mu.RUnlock()
	if !ok {
		return nil, errors.New("fingerprint not in index")
	}

	neighbors, err := ix.Search(vec, k+1)
	if err != nil {
		return nil, err
	}
	filtered := neighbors[:0]
	for _, n := range neighbors {
		if n.Fingerprint != fp {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) > k {
		filtered = filtered[:k]
	}
	return filtered, nil
}
