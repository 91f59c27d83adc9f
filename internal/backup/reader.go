package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// errStreamEnd marks a clean end of stream: the previous line ended
// with a newline and nothing follows.
var errStreamEnd = errors.New("end of stream")

// lineReader reads newline-terminated lines of arbitrary length. A
// final line without its newline is reported as truncation, never
// returned as data: the writer always terminates lines, so bytes
// without a newline mean the file was cut mid-write.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (lr *lineReader) next() ([]byte, error) {
	line, err := lr.r.ReadBytes('\n')
	if err == nil {
		return line[:len(line)-1], nil
	}
	if errors.Is(err, io.EOF) {
		if len(line) == 0 {
			return nil, errStreamEnd
		}
		return nil, fmt.Errorf("truncated line at end of file")
	}
	return nil, fmt.Errorf("read line: %w", err)
}
