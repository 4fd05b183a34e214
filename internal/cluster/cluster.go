// Package cluster groups a session's images into bursts by density-based
// clustering over cosine distance between their embeddings.
package cluster

import (
	"math"
	"sort"

	"github.com/infvision/photosort/internal/embedding"
)

// Burst is a group of images judged to depict the same moment or subject.
// Singleton bursts are valid and represent unique shots.
type Burst struct {
	// Members holds the member fingerprints in lexicographic order.
	Members []string `json:"members"`
	// Pick is the designated best member: lowest Stage-1 distortion score,
	// ties broken by lexicographic fingerprint order.
	Pick string `json:"pick"`
	// Centroid is the normalized mean embedding, kept for diagnostics.
	Centroid []float32 `json:"-"`
}

// Cluster partitions the embedding set into bursts with DBSCAN semantics:
// two images are close when their cosine distance is strictly below eps, and
// a cluster core needs at least minSamples close images counting itself.
// Images that join no cluster become singleton bursts, so every fingerprint
// appears in exactly one burst.
//
// The result is deterministic and independent of map iteration order: all
// traversal happens in sorted fingerprint order, and the returned bursts are
// ordered by their smallest member.
func Cluster(embeddings map[string][]float32, scores map[string]float64, eps float64, minSamples int) []Burst {
	if len(embeddings) == 0 {
		return nil
	}

	fps := make([]string, 0, len(embeddings))
	for fp := range embeddings {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	vectors := make([][]float32, len(fps))
	for i, fp := range fps {
		vectors[i] = embedding.Normalize(embeddings[fp])
	}

	// Exact neighbor lists. The scan is quadratic, which is fine for a
	// single shooting session; approximate indexes would trade away the
	// run-to-run identical partition this engine guarantees.
	neighbors := make([][]int, len(fps))
	for i := range fps {
		neighbors[i] = append(neighbors[i], i)
	}
	for i := range fps {
		for j := i + 1; j < len(fps); j++ {
			if embedding.CosineDistance(vectors[i], vectors[j]) < eps {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}
	for i := range neighbors {
		sort.Ints(neighbors[i])
	}

	const unassigned = -1
	labels := make([]int, len(fps))
	for i := range labels {
		labels[i] = unassigned
	}

	clusterID := 0
	for i := range fps {
		if labels[i] != unassigned || len(neighbors[i]) < minSamples {
			continue
		}

		// Expand a new cluster from this core point, breadth-first in
		// sorted order.
		labels[i] = clusterID
		frontier := append([]int(nil), neighbors[i]...)
		for len(frontier) > 0 {
			j := frontier[0]
			frontier = frontier[1:]
			if labels[j] != unassigned {
				continue
			}
			labels[j] = clusterID
			if len(neighbors[j]) >= minSamples {
				frontier = append(frontier, neighbors[j]...)
			}
		}
		clusterID++
	}

	// Noise points become singleton bursts; the partition is total.
	grouped := make(map[int][]int)
	var singles []int
	for i, label := range labels {
		if label == unassigned {
			singles = append(singles, i)
			continue
		}
		grouped[label] = append(grouped[label], i)
	}

	bursts := make([]Burst, 0, len(grouped)+len(singles))
	for _, members := range grouped {
		bursts = append(bursts, newBurst(members, fps, vectors, scores))
	}
	for _, i := range singles {
		bursts = append(bursts, newBurst([]int{i}, fps, vectors, scores))
	}

	sort.Slice(bursts, func(a, b int) bool {
		return bursts[a].Members[0] < bursts[b].Members[0]
	})
	return bursts
}

func newBurst(members []int, fps []string, vectors [][]float32, scores map[string]float64) Burst {
	sort.Ints(members)

	burst := Burst{Members: make([]string, len(members))}
	for i, m := range members {
		burst.Members[i] = fps[m]
	}
	burst.Pick = pickMember(burst.Members, scores)
	burst.Centroid = centroid(members, vectors)
	return burst
}

// pickMember chooses the least-distorted member. Members are already sorted,
// so a strict < comparison breaks score ties toward the lexicographically
// smallest fingerprint.
func pickMember(members []string, scores map[string]float64) string {
	pick := members[0]
	best := math.Inf(1)
	for _, fp := range members {
		score, ok := scores[fp]
		if !ok {
			continue
		}
		if score < best {
			best = score
			pick = fp
		}
	}
	return pick
}

func centroid(members []int, vectors [][]float32) []float32 {
	if len(members) == 0 || len(vectors[members[0]]) == 0 {
		return nil
	}
	dim := len(vectors[members[0]])
	sum := make([]float32, dim)
	for _, m := range members {
		for i, x := range vectors[m] {
			sum[i] += x
		}
	}
	for i := range sum {
		sum[i] /= float32(len(members))
	}
	return embedding.Normalize(sum)
}
