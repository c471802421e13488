// Package main provides the entry point for the astrace CLI.
//
// astrace turns multipath traceroute measurements into AS-level paths,
// classifies the relationships between adjacent ASes and stores, reports
// and optionally uploads the result.
//
// Usage:
//
//	astrace run <measurement.json>...
//	astrace targets <name>...
//	astrace history [destination]
//
// See --help for all available options.
package main

// main is the entry point for astrace.
func main() {
	Execute()
}
