// Package contentid computes the content hashes that drive admission dedup.
//
// Two hashes exist per payload: the raw hash of the bytes as uploaded, and a
// canonical hash computed after deterministic normalization so semantically
// identical inputs that differ only in incidental encoding (BOM, CRLF,
// trailing whitespace, Unicode composition) collapse to the same identity.
package contentid
