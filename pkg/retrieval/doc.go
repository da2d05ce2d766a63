// Package retrieval ranks memory records against a free-text query.
//
// Each candidate gets four sub-scores in [0,1]: keyword coverage, recency
// decay, reference count and a fixed tier weight. The combined score is
//
//	1.0*kw + 0.6*recency + 0.4*refs + 0.2*tier
//
// Records without any keyword overlap are not candidates. Records at or below
// the minimum score are dropped, the rest are sorted by score and timestamp,
// de-duplicated by source path and truncated to k.
//
// The optional rerank pass only touches old, poorly cited candidates and
// blends their base score with a rubric score. Strong keyword matches gain at
// most 0.02 from it.
//
// Every run can persist its inputs, both rankings and the policy constants to
// an evidence file. Evidence writes never fail a search.
package retrieval
