package merkle

// Proof is a merkle inclusion proof for a single leaf: the ordered sibling
// hashes from leaf to root and a parallel list of direction flags
type Proof struct {
	LeafIndex  int      `json:"leaf_index"`
	LeafHash   string   `json:"leaf_hash"`
	Hashes     []string `json:"proof_hashes"`
	Directions []bool   `json:"proof_directions"`
}

// Verify recombines the leaf hash with each sibling per its direction flag
// and reports whether the final value equals the expected root
func (p *Proof) Verify(expectedRoot string) bool {
	if p.LeafHash == "" || len(p.Hashes) != len(p.Directions) {
		return false
	}

	current := p.LeafHash
	for i, sibling := range p.Hashes {
		if p.Directions[i] {
			current = combine(current, sibling)
		} else {
			current = combine(sibling, current)
		}
	}

	return current == expectedRoot
}

// VerifyBatch verifies each proof against the expected root, returning both
// the aggregate result and a per-proof result vector
func VerifyBatch(proofs []*Proof, expectedRoot string) (bool, []bool) {
	results := make([]bool, len(proofs))
	valid := len(proofs) > 0
	for i, proof := range proofs {
		results[i] = proof != nil && proof.Verify(expectedRoot)
		if !results[i] {
			valid = false
		}
	}
	return valid, results
}
