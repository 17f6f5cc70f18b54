//go:build !vkasyncdebug

package vkasync

const debugChecks = false
