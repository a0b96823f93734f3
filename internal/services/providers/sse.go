package providers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

var errStreamTruncated = errors.New("stream ended before completion")

// readSSEData walks an SSE body and hands every data payload to fn until fn
// reports done. Reaching EOF before that is a truncated stream.
func readSSEData(body io.Reader, fn func(data string) (done bool, err error)) error {
	bufReader := bufio.NewReader(body)

	for {
		line, err := bufReader.ReadString('\n')
		if line != "" {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "data:") {
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data != "" {
					done, ferr := fn(data)
					if ferr != nil {
						return ferr
					}
					if done {
						return nil
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return errStreamTruncated
			}
			return err
		}
	}
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
