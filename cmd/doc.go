// Package cmd implements the command-line interface of the dRESP driver.
// Every command that talks to a server builds its client from the shared
// client flags (or DRESP_* environment variables) and works in standalone,
// cluster and sentinel mode alike.
//
// The package is organized into several subpackages:
//
//   - do: Execute a single command and print the reply
//   - perf: Benchmark a server or cluster through the client
//   - topology: Print (and watch) the partition table of a cluster
//   - sentinel: Resolve a master through its monitors and watch failovers
//   - mock: Start in-memory mock nodes, clusters and sentinels
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dresp -help for a list of all commands.
package cmd
