// Package tools launches and supervises the host processes a manager depends
// on: runtime child processes and short probe commands.
package tools
