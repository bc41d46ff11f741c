// Package gc implements a region-based, mostly-concurrent, incremental
// garbage collector over a heap of fixed-size regions.
//
// The heap is a reservation obtained from vmem and split into regions.
// Mutators allocate from young (Eden) regions and reach objects only
// through handles; reference stores go through a pre-write barrier that
// feeds snapshot-at-the-beginning marking and a post-write barrier that
// dirties cards for remembered-set refinement.
//
// Collection happens in stop-the-world evacuation pauses that copy live
// objects out of a collection set (all young regions plus, during the mixed
// phase, the most profitable old regions), in a background marking cycle
// that finds reclaimable old regions, and, as a last resort, in a full
// sliding compaction of the whole heap.
//
// All pauses run as operations on a single dispatcher goroutine. Goroutines
// that touch the heap outside a pause (mutators, refinement and marking
// workers) join the suspendible set exposed by Safepoint.
package gc
