// Package graph holds the dependency graph: which target types denormalize
// which source fields, through which relation, with which storage mode and
// strategy.
//
// A Builder validates registrations against a Schema and synthesizes the
// fields denormalization needs on each target:
//   - Scalar relations add one nullable field relation_field per source
//     field (relation_field_id when the source field is itself a reference)
//   - SharedDict relations add the denorm_data object field once
//
// The Graph a Builder produces is immutable. Every other package reads it
// concurrently without locking.
package graph
