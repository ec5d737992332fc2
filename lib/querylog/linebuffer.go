// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package querylog

import "bytes"

// LineBuffer reassembles newline-delimited records from arbitrary
// chunk boundaries. Chunked range reads split the stream at byte
// positions with no regard for record boundaries; the buffer holds
// the trailing partial line between chunks so every record is decoded
// exactly once regardless of chunk size.
type LineBuffer struct {
	partial []byte
}

// Lines appends chunk to the buffered partial line and returns every
// complete line (newline stripped, blank lines skipped). The bytes
// after the last newline are retained for the next call. Returned
// slices are valid until the next call to Lines or Reset.
func (b *LineBuffer) Lines(chunk []byte) [][]byte {
	b.partial = append(b.partial, chunk...)
	data := b.partial

	var lines [][]byte
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	// The returned lines alias the old buffer, so the remainder gets
	// a fresh allocation rather than a shift in place.
	b.partial = append([]byte(nil), data...)
	return lines
}

// Remainder returns the buffered partial line, if any. At the end of
// a cycle a non-empty remainder means the file ends mid-record; those
// bytes are not consumed and the cursor must stop before them.
func (b *LineBuffer) Remainder() []byte {
	return b.partial
}

// PendingBytes reports the length of the buffered partial line,
// including the newline-less tail. The fetch loop subtracts this from
// the bytes read to compute the committed cursor offset.
func (b *LineBuffer) PendingBytes() int {
	return len(b.partial)
}

// Reset discards any buffered partial line.
func (b *LineBuffer) Reset() {
	b.partial = b.partial[:0]
}
