package testing

// ReverseIDs returns the ids in opposite order, leaving the input untouched.
// Handy for asserting that a history read is not accidentally newest-first.
func ReverseIDs(ids []int64) []int64 {
	reversed := make([]int64, len(ids))
	for i, id := range ids {
		reversed[len(ids)-1-i] = id
	}
	return reversed
}
