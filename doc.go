//go:build linux

// Package aqlqueue manages a single hardware compute queue used by a GPU
// agent to consume Architected Queuing Language (AQL) packets.
//
// It owns the packet ring buffer (with the double-mapped layout legacy
// GFX7/8 parts require), the doorbell submission path, queue attach/detach
// against the kernel-mode driver, the dynamic scratch-memory reallocation
// state machine, and per-queue CU mask/priority tuning. ISA properties, the
// allocator and the KMD transport are interfaces the caller supplies. The
// signal/async-handler dispatcher is expressed as the Signal interface, and
// New backs each queue's two signals with the in-process simSignal
// implementation. This package does not know how to talk to a real GPU,
// only how to drive the queue protocol correctly once given one.
package aqlqueue
