// Package fingerprint derives stable cache keys for transcoded artifacts.
//
// A fingerprint is the SHA-256 digest of a versioned serialization of the
// canonical source URL and the target Params. Canonicalization lowercases the
// scheme and host, drops default ports and fragments, resolves dot segments
// and sorts the query, so equivalent enclosure URLs share one artifact.
//
// The package is pure: it performs no I/O and holds no state.
package fingerprint
