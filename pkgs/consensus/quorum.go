package consensus

// DefaultThreshold is the percentage of the roster that must agree
const DefaultThreshold = 66

// QuorumReached reports whether count attestations out of a roster of
// rosterSize meet threshold percent. An empty roster never reaches quorum.
func QuorumReached(count, rosterSize, threshold int) bool {
	if rosterSize <= 0 || count <= 0 {
		return false
	}
	return count*100 >= rosterSize*threshold
}

// RequiredAttestations is the smallest count that reaches quorum
func RequiredAttestations(rosterSize, threshold int) int {
	if rosterSize <= 0 {
		return 0
	}
	required := (rosterSize*threshold + 99) / 100
	if required < 1 {
		required = 1
	}
	return required
}
