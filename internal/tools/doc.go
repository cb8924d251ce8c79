// Package tools provides host helpers shared by engine backends.
//
// Ownership boundary:
// - external command execution with captured output and exit codes
package tools
