// Package detect is the change detector.
//
// On load the detector snapshots every watched column of a record. On save
// it compares the record with that snapshot:
//   - for a source, each changed watched column becomes a payload entry for
//     every dependent target type (SourceChanges)
//   - for a target, either a precomputed payload is applied directly
//     (ApplyPrecomputed) or relations whose key changed are rebuilt from
//     their current sources (Recompute)
//
// Snapshots live in a side table keyed by record identity, never on the
// record itself.
package detect
