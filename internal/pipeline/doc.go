// Package pipeline runs the AS-level aggregation of a measurement.
//
// An Engine executes a fixed Pipeline of steps on one measurement:
//
//  1. resolve: every TTL address of every (algorithm, flow, attempt) becomes
//     a raw AS path framed by the source and destination hops
//  2. collapse: consecutive hops of one AS are merged
//  3. reconcile: the attempts of each flow are merged into one path
//  4. deduplicate: equal paths across flows are merged
//  5. classify: relationships and stats are attached to the final paths
//
// Steps 1 and 2 fan out over coordinates with a bounded errgroup. Steps 3
// and 4 are barriers. A BatchProcessor runs engines for many measurements
// concurrently, each with a fresh engine from a factory.
package pipeline
