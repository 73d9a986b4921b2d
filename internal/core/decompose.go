package core

import "strings"

// piece is one decomposed segment plus whether it receives a pipe.
type piece struct {
	text  string
	piped bool
}

// Decompose splits a shell-like command on unquoted &&, ||, ;, |, & and
// newline.
//
// Quote and escape state is tracked while scanning so operators inside
// single quotes, double quotes, or after a backslash are left intact.
// Segments are trimmed and empty segments are dropped.
func Decompose(command string) []string {
	pieces := split(command)
	if len(pieces) == 0 {
		return nil
	}
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.text
	}
	return out
}

func split(command string) []piece {
	var (
		pieces   []piece
		current  strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		piped    bool
	)

	flush := func(nextPiped bool) {
		seg := strings.TrimSpace(current.String())
		if seg != "" {
			pieces = append(pieces, piece{text: seg, piped: piped})
		}
		current.Reset()
		piped = nextPiped
	}

	for i := 0; i < len(command); i++ {
		c := command[i]

		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}

		switch {
		case c == '\\' && !inSingle:
			// Backslash is literal inside single quotes.
			escaped = true
			current.WriteByte(c)
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(c)
			continue
		case c == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(c)
			continue
		}

		if inSingle || inDouble {
			current.WriteByte(c)
			continue
		}

		switch c {
		case ';', '\n':
			flush(false)
		case '&':
			if i+1 < len(command) && command[i+1] == '&' {
				i++
				flush(false)
				continue
			}
			// 2>&1, <&3 and &>file are redirections; a lone & ends a
			// background job.
			if (i > 0 && (command[i-1] == '>' || command[i-1] == '<')) ||
				(i+1 < len(command) && command[i+1] == '>') {
				current.WriteByte(c)
				continue
			}
			flush(false)
		case '|':
			if i+1 < len(command) && command[i+1] == '|' {
				i++
				flush(false)
				continue
			}
			// |& pipes stderr as well.
			if i+1 < len(command) && command[i+1] == '&' {
				i++
			}
			flush(true)
		default:
			current.WriteByte(c)
		}
	}
	flush(false)

	return pieces
}
