package entity

import (
	"context"
	"sort"
	"sync"
)

// DeferScope buffers sync requests instead of executing them. Requests are
// deduplicated by source reference, with a single marker standing in for "a
// full sync was requested". Closing the outermost scope flushes the buffer
// as one consolidated pass. Scopes nest; inner closes only decrement.
//
// Typical shape, release guaranteed on every exit path:
//
//	scope := syncer.DeferSyncing()
//	defer scope.Close(ctx)
//	... many writes, each requesting a sync ...
type DeferScope struct {
	s    *Syncer
	once sync.Once
}

// DeferSyncing opens a defer scope on the syncer.
func (s *Syncer) DeferSyncing() *DeferScope {
	s.mu.Lock()
	s.deferDepth++
	s.mu.Unlock()
	return &DeferScope{s: s}
}

// Close ends the scope. When this was the outermost scope, the buffered
// requests run as one consolidated sync pass and its error is returned.
// Close is idempotent.
func (d *DeferScope) Close(ctx context.Context) error {
	var flushErr error
	d.once.Do(func() {
		s := d.s
		s.mu.Lock()
		s.deferDepth--
		if s.deferDepth > 0 {
			s.mu.Unlock()
			return
		}
		all := s.bufferedAll
		refs := make([]Ref, 0, len(s.buffered))
		for ref := range s.buffered {
			refs = append(refs, ref)
		}
		s.buffered = make(map[Ref]struct{})
		s.bufferedAll = false
		s.mu.Unlock()

		switch {
		case all:
			flushErr = s.Sync(ctx)
		case len(refs) > 0:
			sort.Slice(refs, func(i, j int) bool {
				if refs[i].Type != refs[j].Type {
					return refs[i].Type < refs[j].Type
				}
				return refs[i].ID < refs[j].ID
			})
			flushErr = s.Sync(ctx, refs...)
		}
	})
	return flushErr
}

// SuppressScope drops sync requests entirely while open, for call sites that
// know syncing will happen through another path. Nothing is buffered and
// nothing runs on Close.
type SuppressScope struct {
	s    *Syncer
	once sync.Once
}

// SuppressSyncing opens a suppress scope on the syncer.
func (s *Syncer) SuppressSyncing() *SuppressScope {
	s.mu.Lock()
	s.suppressDepth++
	s.mu.Unlock()
	return &SuppressScope{s: s}
}

// Close ends the scope. Idempotent.
func (p *SuppressScope) Close() {
	p.once.Do(func() {
		p.s.mu.Lock()
		p.s.suppressDepth--
		p.s.mu.Unlock()
	})
}
