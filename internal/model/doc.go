// Package model defines the core data structures used throughout astrace.
//
// This package contains the following main types:
//   - ASInformation: one autonomous system or IXP identity returned by an IP->AS lookup
//   - Hop: an AS-level hop holding a candidate set of ASInformation
//   - Path: an ordered sequence of hops for one (algorithm, flow, attempt) coordinate
//   - RelationshipEdge: the business relationship between two adjacent ASes
//   - Stats: summary counters derived from a classified path
//   - Result: the per-stage output of one engine run
//
// Flags values match the bit layout used by the measurement platform, so they
// can be uploaded and compared with historical data as-is.
//
// Models are serializable to JSON for report output and database storage.
package model
