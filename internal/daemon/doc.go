// Package daemon coordinates the long-running koralReef process.
//
// It wires configuration, the secret store, the ledger client and the
// notification sink into the sentinel loop and the remote console, and runs
// both under a single lifecycle with flock-based locking to prevent
// multiple instances against the same data directory.
//
// Keep orchestration logic here: cycle behaviour lives in the sentinel
// package and command handling in the console package.
package daemon
