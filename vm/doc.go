// Package vm implements the gvm runtime.
//
// This package contains:
//   - a node heap of fixed 16-word nodes with a free list
//   - a mark-sweep garbage collector rooted in goroutine registers
//   - a stack-machine interpreter with closures, tail calls and scopes
//   - a single-threaded cooperative scheduler for goroutines, channels,
//     wait groups and timers
package vm
