// ABOUTME: Line-oriented stream readers for SSE and newline-delimited JSON responses
// ABOUTME: Each decoded payload becomes a Chunk on a channel that closes with the stream

package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/2389/agentdesk/internal/apperr"
)

// decodeFunc turns one payload into text. done ends the stream after text is sent.
type decodeFunc func(data []byte) (text string, done bool, err error)

// parseSSEStream reads "data: ..." lines from body. "[DONE]" ends the stream.
func parseSSEStream(ctx context.Context, body io.ReadCloser, decode decodeFunc) <-chan Chunk {
	return readStream(ctx, body, func(line []byte) ([]byte, bool) {
		// Skip empty lines, comments, and event names.
		if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
			return nil, false
		}
		return bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))), true
	}, decode)
}

// parseNDJSONStream reads one JSON document per line from body.
func parseNDJSONStream(ctx context.Context, body io.ReadCloser, decode decodeFunc) <-chan Chunk {
	return readStream(ctx, body, func(line []byte) ([]byte, bool) {
		line = bytes.TrimSpace(line)
		return line, len(line) > 0
	}, decode)
}

func readStream(ctx context.Context, body io.ReadCloser, frame func([]byte) ([]byte, bool), decode decodeFunc) <-chan Chunk {
	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
		for scanner.Scan() {
			if ctx.Err() != nil {
				send(Chunk{Err: apperr.Transport("stream", ctx.Err())})
				return
			}
			data, ok := frame(scanner.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			text, done, err := decode(data)
			if err != nil {
				send(Chunk{Err: err})
				return
			}
			if text != "" && !send(Chunk{Text: text}) {
				return
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(Chunk{Err: apperr.Transport("stream", err)})
		}
	}()
	return ch
}
