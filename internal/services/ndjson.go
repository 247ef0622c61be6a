package services

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/genie-web/internal/models"
)

// maxEventSize bounds a single stream record. End events carry the whole thread history, so this is
// generous.
const maxEventSize = 16 << 20

// ReadEvents decodes a newline-delimited JSON chat stream from r. Only complete lines are decoded: bytes
// after the last newline are held until more data arrives, and dropped if the stream ends first. Blank
// lines are skipped, and lines that are not valid JSON are logged and skipped. The sequence ends with an
// error only if reading r fails.
func ReadEvents(r io.Reader, logger *slog.Logger) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
		sc.Split(scanCompleteLines)

		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}

			var ev models.StreamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				logger.Warn("Failed to parse stream line",
					slog.String("line", string(line)),
					slog.String(errLoggerKey, err.Error()))
				continue
			}

			if !yield(ev, nil) {
				return
			}
		}

		if err := sc.Err(); err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error reading stream: %w", err))
		}
	}
}

// scanCompleteLines is a bufio.SplitFunc like bufio.ScanLines, except that an unterminated final line is
// discarded instead of returned.
func scanCompleteLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
