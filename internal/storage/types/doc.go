// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Measurement: A single named result of one benchmark run
//   - CommitEntry: All measurements produced by one run at one commit
//   - Document: The persisted history of every suite
//   - Verdict: The analyzer's judgement of one measurement
package types
