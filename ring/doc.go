// Package ring implements the software side of a DMA descriptor ring:
// a fixed circular array of buffer slots exchanged with an asynchronous
// engine under a per-slot ownership bit, and the reassembly of frames
// that span several slots. This package does not make assumptions about
// the engine that consumes the ring; chip bindings translate between a
// [Descriptor] and their concrete register layout at their own boundary.
package ring
