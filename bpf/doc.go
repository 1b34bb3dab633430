// Package bpf provides an interface to the kernel state shared with the
// IPIP direct egress program.
//
// The program's maps are created and pinned by tc when the filter is
// attached; this package only opens them by path and publishes values the
// program reads at packet time. It deliberately knows nothing about how the
// filter itself is attached (see package filter).
package bpf
