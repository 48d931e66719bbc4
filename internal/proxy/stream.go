package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// sseScanner reads the data frames off an upstream
// streamGenerateContent body. Keep-alive lines and unparseable frames
// are skipped.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	// Frames carrying large tool arguments can exceed the default
	// token size.
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseScanner{scanner: sc}
}

// next returns the next response frame, io.EOF at end of stream.
func (s *sseScanner) next() (*GeminiResponse, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var env v1internalResponse
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue
		}
		return &env.Response, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func writeSSEJSON(w io.Writer, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeSSEEvent(w io.Writer, event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
