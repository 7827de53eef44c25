package shipment

import "time"

// Resolution is the decision for a candidate document whose order key is
// already present in the store.
type Resolution int

const (
	// Keep retains the existing document and rejects the candidate.
	Keep Resolution = iota
	// Replace overwrites the existing document with the candidate.
	Replace
)

func (r Resolution) String() string {
	if r == Replace {
		return "replace"
	}
	return "keep"
}

// ResolveRecency decides between a candidate and an existing document sharing
// the same order key by comparing receipt timestamps in ReceiptTimeLayout.
//
// If either timestamp fails to parse the candidate wins: a mis-recorded
// legacy timestamp must never permanently block newer data. Equal timestamps
// keep the existing document (first write wins on ties).
func ResolveRecency(candidate, existing string) Resolution {
	candidateAt, err := time.Parse(ReceiptTimeLayout, candidate)
	if err != nil {
		return Replace
	}
	existingAt, err := time.Parse(ReceiptTimeLayout, existing)
	if err != nil {
		return Replace
	}
	if candidateAt.After(existingAt) {
		return Replace
	}
	return Keep
}
