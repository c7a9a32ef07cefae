// Package clog is the commit-log collaborator of spec.md §6: the
// durable-enough-for-this-module record of whether a transaction (and
// its subtransaction tree) committed or aborted.
package clog

import (
	"sync"

	"github.com/leengari/twophase/internal/xid"
)

// Status is one XID's commit-log state.
type Status uint8

const (
	InProgress Status = iota
	Committed
	Aborted
	Subcommitted
)

// Log is an in-memory commit log keyed by XID. A real system persists
// this densely packed to disk (2 bits/XID); the core only needs the
// read-back predicates did_commit/did_abort and the tree-marking calls
// spec §6 names, so a map is sufficient here and keeps this
// collaborator's own persistence strategy — explicitly out of scope per
// spec.md §1 — from leaking into the core's design.
type Log struct {
	mu     sync.RWMutex
	status map[xid.XID]Status
}

// New returns an empty commit log.
func New() *Log {
	return &Log{status: make(map[xid.XID]Status)}
}

// CommitTree marks id and every child committed (spec §4.3 step 6).
func (l *Log) CommitTree(id xid.XID, children []xid.XID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status[id] = Committed
	for _, c := range children {
		l.status[c] = Committed
	}
}

// AbortTree marks id and every child aborted.
func (l *Log) AbortTree(id xid.XID, children []xid.XID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status[id] = Aborted
	for _, c := range children {
		l.status[c] = Aborted
	}
}

// DidCommit reports whether id is recorded as committed.
func (l *Log) DidCommit(id xid.XID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status[id] == Committed
}

// DidAbort reports whether id is recorded as aborted.
func (l *Log) DidAbort(id xid.XID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status[id] == Aborted
}

// StatusOf returns the raw status of id, InProgress if never recorded.
// The recovery driver does not use it; it asks DidCommit/DidAbort.
func (l *Log) StatusOf(id xid.XID) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status[id]
}
