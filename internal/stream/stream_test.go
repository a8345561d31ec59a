package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accumulate(t *testing.T, chunks ...string) Update {
	t.Helper()
	ctx := context.Background()
	src := FromChunks(chunks...)
	defer src.Close()

	acc := NewAccumulator("")
	for {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			return acc.Finish()
		}
		require.NoError(t, err)
		acc.Add(chunk)
	}
}

func TestAccumulatorRendersExample(t *testing.T) {
	got := accumulate(t, "Hello, ", "**world**", "\n*done*")
	assert.True(t, got.Final)
	assert.Equal(t, "Hello, **world**\n*done*", got.Raw)
	assert.Equal(t, "Hello, <b>world</b><br>•done", got.Display)
}

func TestAccumulatorIndependentOfChunkBoundaries(t *testing.T) {
	text := "Hello, **world**\n*done*"
	want := accumulate(t, text)

	for split := 0; split <= len(text); split++ {
		got := accumulate(t, text[:split], text[split:])
		require.Equal(t, want, got, "split at %d", split)
	}

	var runes []string
	for _, r := range text {
		runes = append(runes, string(r))
	}
	assert.Equal(t, want, accumulate(t, runes...))
}

func TestAccumulatorPreservesOrderAndDuplicates(t *testing.T) {
	acc := NewAccumulator("")
	acc.Add("a")
	acc.Add("a")
	up := acc.Add("b")
	assert.Equal(t, "aab", up.Raw)
	assert.False(t, up.Final)
}

func TestAccumulatorPartialUpdatesGrow(t *testing.T) {
	acc := NewAccumulator("")
	var prev string
	for _, c := range []string{"In the ", "beginning ", "was the Word"} {
		up := acc.Add(c)
		require.True(t, strings.HasPrefix(up.Raw, prev))
		prev = up.Raw
	}
}

func TestAccumulatorFail(t *testing.T) {
	acc := NewAccumulator("")
	acc.Add("partial answer")
	up := acc.Fail()
	assert.True(t, up.Final)
	assert.True(t, up.Failed)
	assert.Equal(t, DefaultApology, up.Raw)

	// Terminal state is sticky.
	assert.Equal(t, up, acc.Add("more"))
	assert.Equal(t, up, acc.Finish())
}

func TestAccumulatorCustomApology(t *testing.T) {
	up := NewAccumulator("Try again later.").Fail()
	assert.Equal(t, "Try again later.", up.Display)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Amen", "Amen"},
		{"bold", "**grace**", "<b>grace</b>"},
		{"emphasis becomes bullet", "*faith*", "•faith"},
		{"lone asterisk", "* hope", "• hope"},
		{"newline", "a\nb", "a<br>b"},
		{"crlf", "a\r\nb", "a<br>b"},
		{"escapes markup", "<script>alert(1)</script>", "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{"escapes inside bold", "**<i>x</i>**", "<b>&lt;i&gt;x&lt;/i&gt;</b>"},
		{"bold does not span lines", "**a\nb**", "••a<br>b••"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in))
		})
	}
}

func TestRenderIsNotIdempotent(t *testing.T) {
	once := Render("**x**")
	assert.NotEqual(t, once, Render(once))
}

func TestSanitizeKeepsDisplayMarkup(t *testing.T) {
	out := Sanitize(Render("Hello, **world**\n*done*"))
	assert.Contains(t, out, "<b>world</b>")
	assert.Contains(t, out, "<br")
	assert.Contains(t, out, "•done")

	assert.NotContains(t, Sanitize(`<b onclick="x()">hi</b><script>bad()</script>`), "script")
	assert.NotContains(t, Sanitize(`<b onclick="x()">hi</b>`), "onclick")
}

func TestFromSeqPropagatesError(t *testing.T) {
	boom := errors.New("connection reset")
	src := FromSeq(func(yield func(string, error) bool) {
		if !yield("one", nil) {
			return
		}
		yield("", boom)
	})
	defer src.Close()

	ctx := context.Background()
	chunk, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", chunk)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestFromSeqHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := false
	src := FromSeq(func(yield func(string, error) bool) {
		defer func() { stopped = true }()
		for {
			if !yield("x", nil) {
				return
			}
		}
	})

	_, err := src.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, src.Close())
	assert.True(t, stopped)
}

func snapshots(parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func TestFromSnapshotsEmitsDeltas(t *testing.T) {
	got, err := Drain(context.Background(), FromSnapshots(snapshots("He", "Hello", "Hello", "Hel", "Hello, world")))
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", got)
}
