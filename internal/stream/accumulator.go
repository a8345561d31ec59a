package stream

import "strings"

// DefaultApology is shown in place of a response whose stream failed.
const DefaultApology = "Sorry, I could not generate a response at this time."

// Update is one rendering of the accumulated response.
type Update struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
	// Final is set by Finish and Fail; no further updates follow.
	Final  bool `json:"final"`
	Failed bool `json:"failed,omitempty"`
}

// Accumulator concatenates chunks in arrival order. It is not safe for
// concurrent use; a turn owns exactly one.
type Accumulator struct {
	raw     strings.Builder
	apology string
	last    Update
	final   bool
}

// NewAccumulator returns an empty accumulator. An empty apology selects DefaultApology.
func NewAccumulator(apology string) *Accumulator {
	if apology == "" {
		apology = DefaultApology
	}
	return &Accumulator{apology: apology}
}

// Add appends chunk and returns the updated partial rendering. Chunks added
// after Finish or Fail are ignored.
func (a *Accumulator) Add(chunk string) Update {
	if a.final {
		return a.last
	}
	a.raw.WriteString(chunk)
	a.last = a.render(false)
	return a.last
}

// Finish marks the stream complete and returns the final rendering.
func (a *Accumulator) Finish() Update {
	if a.final {
		return a.last
	}
	a.final = true
	a.last = a.render(true)
	return a.last
}

// Fail discards the accumulated text and returns the apology.
func (a *Accumulator) Fail() Update {
	if a.final {
		return a.last
	}
	a.final = true
	a.last = Update{
		Raw:     a.apology,
		Display: Render(a.apology),
		Final:   true,
		Failed:  true,
	}
	return a.last
}

// Raw returns the text accumulated so far.
func (a *Accumulator) Raw() string {
	return a.raw.String()
}

// Len returns the accumulated length in bytes.
func (a *Accumulator) Len() int {
	return a.raw.Len()
}

func (a *Accumulator) render(final bool) Update {
	raw := a.raw.String()
	return Update{Raw: raw, Display: Render(raw), Final: final}
}
