package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DoneSentinel is the payload of the frame that terminates a stream.
const DoneSentinel = "[DONE]"

// maxFrameSize bounds a single data line. Reasoning models can emit long
// deltas, so the bufio default of 64 KiB is too small.
const maxFrameSize = 1 << 20

var dataPrefix = []byte("data:")

// Delta is the decoded content of one well-formed frame.
type Delta struct {
	Content      string
	Reasoning    string
	FinishReason string
}

// frame mirrors the subset of a chat.completion.chunk the decoder reads.
type frame struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decoder reads newline-delimited "data: <json>" frames from an event
// stream. Frames that are not valid JSON are skipped and counted; lines
// without the data marker (comments, event names, keep-alives) are ignored.
//
// Use it like a [bufio.Scanner]:
//
//	dec := sse.NewDecoder(body)
//	for dec.Next() {
//		d := dec.Delta()
//	}
//	if err := dec.Err(); err != nil { ... }
type Decoder struct {
	sc      *bufio.Scanner
	cur     Delta
	err     error
	done    bool
	skipped int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Decoder{sc: sc}
}

// Next advances to the next frame carrying visible content, reasoning or a
// finish reason. It returns false at the sentinel, at end of input, or on a
// read error.
func (d *Decoder) Next() bool {
	if d.done || d.err != nil {
		return false
	}
	for d.sc.Scan() {
		line := bytes.TrimRight(d.sc.Bytes(), "\r")
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if string(payload) == DoneSentinel {
			d.done = true
			return false
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			d.skipped++
			continue
		}
		if f.Error != nil && f.Error.Message != "" {
			d.err = fmt.Errorf("sse: upstream error: %s", f.Error.Message)
			return false
		}
		if len(f.Choices) == 0 {
			continue
		}

		c := f.Choices[0]
		d.cur = Delta{
			Content:   c.Delta.Content,
			Reasoning: c.Delta.ReasoningContent,
		}
		if c.FinishReason != nil {
			d.cur.FinishReason = *c.FinishReason
		}
		if d.cur == (Delta{}) {
			continue
		}
		return true
	}
	if err := d.sc.Err(); err != nil {
		d.err = fmt.Errorf("sse: read stream: %w", err)
	}
	return false
}

// Delta returns the frame decoded by the last successful call to Next.
func (d *Decoder) Delta() Delta { return d.cur }

// Err returns the first read or upstream error. Malformed frames are not
// errors.
func (d *Decoder) Err() error { return d.err }

// Done reports whether the terminal sentinel has been seen.
func (d *Decoder) Done() bool { return d.done }

// Skipped returns the number of malformed frames skipped so far.
func (d *Decoder) Skipped() int { return d.skipped }
