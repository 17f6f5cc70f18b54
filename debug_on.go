//go:build vkasyncdebug

package vkasync

// debugChecks enables leak detection on futures and ownership assertions
// on shared allocators. Build with -tags vkasyncdebug.
const debugChecks = true
