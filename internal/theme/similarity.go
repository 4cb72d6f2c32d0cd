package theme

import "math"

// CosineSimilarity computes dot(a,b) / (|a|·|b|) in float64.
// Malformed input (mismatched dimensions, zero norm, non-finite values) is
// recovered locally by returning 0; this never panics or errors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return sim
}

// meanVector recomputes the elementwise mean of all vectors from scratch.
// A running-sum accumulator would be cheaper for large clusters but is not
// numerically identical; the full recompute is the reference behavior.
func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dims := len(vectors[0])
	sum := make([]float64, dims)
	for _, vec := range vectors {
		for i, v := range vec {
			if i >= dims {
				break
			}
			sum[i] += float64(v)
		}
	}

	mean := make([]float32, dims)
	for i := range mean {
		mean[i] = float32(sum[i] / float64(len(vectors)))
	}
	return mean
}
