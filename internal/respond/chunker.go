package respond

import "unicode"

// Default chunk limits: intermediate chunks aim for softLimit, no chunk
// ever exceeds hardLimit (the platform message-size ceiling).
const (
	DefaultSoftLimit = 1500
	DefaultHardLimit = 2000
)

// Chunker accumulates streamed fragments and cuts them into outgoing
// messages at sentence boundaries. Concatenating every emitted chunk
// reproduces the input exactly.
type Chunker struct {
	soft int
	hard int
	buf  []byte
}

// NewChunker creates a chunker with the given limits; zero values pick
// the defaults.
func NewChunker(soft, hard int) *Chunker {
	if hard <= 0 {
		hard = DefaultHardLimit
	}
	if soft <= 0 {
		soft = DefaultSoftLimit
	}
	if soft > hard {
		soft = hard
	}
	return &Chunker{soft: soft, hard: hard}
}

// Add appends a fragment and returns any chunks that became complete:
// the buffer is cut at the last sentence boundary within the soft
// limit whenever it has grown past it, or at the hard limit when a
// boundary never shows up. The trailing incomplete piece stays buffered.
func (c *Chunker) Add(fragment string) []string {
	c.buf = append(c.buf, fragment...)

	var out []string
	for len(c.buf) > c.soft {
		if cut := lastBoundary(c.buf[:c.soft]); cut > 0 {
			out = append(out, string(c.buf[:cut]))
			c.buf = c.buf[cut:]
			continue
		}
		if len(c.buf) >= c.hard {
			out = append(out, string(c.buf[:c.hard]))
			c.buf = c.buf[c.hard:]
			continue
		}
		// No boundary yet and still under the hard limit: wait for more.
		break
	}
	return out
}

// Flush emits everything still buffered as final chunks, each within
// the hard limit and cut at a boundary when one exists.
func (c *Chunker) Flush() []string {
	var out []string
	for len(c.buf) > c.hard {
		cut := lastBoundary(c.buf[:c.hard])
		if cut <= 0 {
			cut = c.hard
		}
		out = append(out, string(c.buf[:cut]))
		c.buf = c.buf[cut:]
	}
	if len(c.buf) > 0 {
		out = append(out, string(c.buf))
		c.buf = nil
	}
	return out
}

// Pending returns the number of buffered bytes not yet emitted.
func (c *Chunker) Pending() int {
	return len(c.buf)
}

// lastBoundary returns the cut position just after the last sentence
// boundary in b, or 0 when none exists. Recognized boundaries: ". ",
// "! ", "? ", a blank line, and a newline followed by a capital letter.
func lastBoundary(b []byte) int {
	for i := len(b) - 1; i > 0; i-- {
		switch b[i] {
		case ' ':
			switch b[i-1] {
			case '.', '!', '?':
				return i + 1
			}
		case '\n':
			if b[i-1] == '\n' {
				return i + 1
			}
			if i+1 < len(b) && unicode.IsUpper(rune(b[i+1])) {
				return i + 1
			}
		}
	}
	return 0
}
