// Package stream turns chunked AI output into display text.
//
// A Source yields raw text fragments in arrival order. An Accumulator folds
// them into one growing string and renders the display markup for every
// intermediate and final update.
package stream

import (
	"context"
	"io"
	"iter"
	"strings"
	"sync"
)

// Source is a pull-based sequence of text chunks. Next returns io.EOF once
// the stream has ended normally. Close releases the underlying producer and
// may be called at any time, including before the stream is drained.
type Source interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

type seqSource struct {
	next func() (string, error, bool)
	stop func()
	once sync.Once
	done bool
}

// FromSeq adapts a push iterator into a Source.
func FromSeq(seq iter.Seq2[string, error]) Source {
	next, stop := iter.Pull2(seq)
	return &seqSource{next: next, stop: stop}
}

func (s *seqSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.done {
		return "", io.EOF
	}
	chunk, err, ok := s.next()
	if !ok {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		s.done = true
		return "", err
	}
	// The producer may have been unblocked by cancellation.
	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	return chunk, nil
}

func (s *seqSource) Close() error {
	s.once.Do(s.stop)
	return nil
}

// FromChunks returns a Source over a fixed list of chunks.
func FromChunks(chunks ...string) Source {
	return FromSeq(func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	})
}

type snapshotSource struct {
	inner Source
	prev  string
}

// FromSnapshots adapts a sequence of cumulative partial texts into deltas.
// A snapshot that does not extend the previous one is skipped, so the
// produced text never shrinks.
func FromSnapshots(seq iter.Seq2[string, error]) Source {
	return &snapshotSource{inner: FromSeq(seq)}
}

func (s *snapshotSource) Next(ctx context.Context) (string, error) {
	for {
		snap, err := s.inner.Next(ctx)
		if err != nil {
			return "", err
		}
		if len(snap) <= len(s.prev) || !strings.HasPrefix(snap, s.prev) {
			continue
		}
		delta := snap[len(s.prev):]
		s.prev = snap
		return delta, nil
	}
}

func (s *snapshotSource) Close() error {
	return s.inner.Close()
}

// Drain reads src to the end and returns the concatenated text.
func Drain(ctx context.Context, src Source) (string, error) {
	defer src.Close()
	var b strings.Builder
	for {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
}
