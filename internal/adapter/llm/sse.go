package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"agentd/internal/domain"
)

// maxSSELine bounds one SSE line; tool call argument chunks can be long.
const maxSSELine = 1 << 20

var (
	sseDataPrefix = []byte("data:")
	sseDone       = []byte("[DONE]")
)

// deltaDecoder turns one SSE data payload into a delta. A nil delta is skipped.
type deltaDecoder func(data []byte) (*domain.StreamDelta, error)

// parseSSEStream reads server-sent events from body and decodes each data
// payload with decode. The channel always ends with a Done delta unless ctx
// is cancelled first; a read error rides on that delta as Err.
func parseSSEStream(ctx context.Context, body io.ReadCloser, decode deltaDecoder) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			data, ok := sseData(scanner.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(data, sseDone) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := decode(data)
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) || delta.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Done: true, Err: fmt.Errorf("%w: stream interrupted: %v", domain.ErrProviderUnavailable, err)})
			return
		}
		// Some servers close the stream without a terminator.
		send(domain.StreamDelta{Done: true})
	}()
	return ch
}

// sseData extracts the payload of a "data:" line. Comments, blank lines and
// other fields are ignored.
func sseData(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, sseDataPrefix) {
		return nil, false
	}
	data := bytes.TrimPrefix(line, sseDataPrefix)
	if len(data) > 0 && data[0] == ' ' {
		data = data[1:]
	}
	return data, true
}
