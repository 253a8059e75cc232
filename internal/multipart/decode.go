package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
)

type decodeState int

const (
	stateScan decodeState = iota // looking for the opening boundary
	stateHeaders
	stateBody
)

// Decode parses a form-data byte stream produced with the given boundary and
// returns the parts in their original order. It is a line-oriented state
// machine: a boundary delimiter line closes the current part, the
// Content-Disposition line names it, an optional Content-Type line applies to
// file parts, and body lines after the first blank line are buffered until the
// next boundary.
func Decode(data []byte, boundary string) ([]Part, error) {
	if boundary == "" {
		return nil, fmt.Errorf("multipart: empty boundary")
	}

	delim := "--" + boundary
	closeDelim := delim + "--"

	var (
		parts    []Part
		current  Part
		body     [][]byte
		state    = stateScan
		sawBlank bool
	)

	flush := func() {
		if current.Name == "" {
			return
		}
		if current.Filename != "" && current.ContentType == "" {
			current.ContentType = "application/octet-stream"
		}
		current.Value = bytes.Join(body, []byte("\r\n"))
		parts = append(parts, current)
	}

	for _, line := range splitLines(data) {
		text := string(line)

		if text == delim || text == closeDelim {
			if state == stateBody {
				flush()
			}
			if text == closeDelim {
				return parts, nil
			}
			current = Part{}
			body = nil
			sawBlank = false
			state = stateHeaders
			continue
		}

		switch state {
		case stateScan:
			// Preamble before the first boundary is ignored.

		case stateHeaders:
			if text == "" {
				if !sawBlank {
					sawBlank = true
					state = stateBody
				}
				continue
			}
			lower := strings.ToLower(text)
			switch {
			case strings.HasPrefix(lower, "content-disposition:"):
				if _, params, err := mime.ParseMediaType(strings.TrimSpace(text[len("content-disposition:"):])); err == nil {
					current.Name = params["name"]
					current.Filename = params["filename"]
				}
			case strings.HasPrefix(lower, "content-type:") && current.Filename != "":
				current.ContentType = strings.TrimSpace(text[len("content-type:"):])
			}

		case stateBody:
			body = append(body, line)
		}
	}

	return nil, fmt.Errorf("multipart: missing closing boundary %q", closeDelim)
}

// splitLines splits on CRLF without dropping empty lines. A trailing CRLF does
// not produce a final empty element, matching how the encoder terminates parts.
func splitLines(data []byte) [][]byte {
	lines := bytes.Split(data, []byte("\r\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines
}
