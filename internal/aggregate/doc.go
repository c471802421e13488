// Package aggregate turns per-TTL address lookups into AS-level paths.
//
// Raw builds one hop per TTL of a coordinate, framed by the source and
// destination hops. A Collapser then merges consecutive hops that belong to
// the same AS, starting from the first resolved hop and scanning outward.
// Each merge or boundary decision is recorded as a path flag.
package aggregate
