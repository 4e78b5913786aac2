package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func textDecoder(data []byte) (*domain.StreamDelta, error) {
	s := string(data)
	if s == "skip" {
		return nil, nil
	}
	if strings.HasPrefix(s, "bad") {
		return nil, errors.New("bad payload")
	}
	return &domain.StreamDelta{Content: s}, nil
}

func collect(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestParseSSEStream(t *testing.T) {
	raw := ": keep-alive\n\nevent: message\ndata: hello\n\ndata:world\n\ndata: skip\ndata: bad json\ndata: [DONE]\ndata: after\n"
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), textDecoder))

	require.Len(t, deltas, 3)
	assert.Equal(t, "hello", deltas[0].Content)
	assert.Equal(t, "world", deltas[1].Content)
	assert.True(t, deltas[2].Done)
}

func TestParseSSEStream_EOFWithoutTerminator(t *testing.T) {
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader("data: partial\n")), textDecoder))

	require.Len(t, deltas, 2)
	assert.Equal(t, "partial", deltas[0].Content)
	assert.True(t, deltas[1].Done)
}

type brokenBody struct{ r io.Reader }

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestParseSSEStream_ReadErrorRidesOnDone(t *testing.T) {
	body := io.NopCloser(&brokenBody{r: strings.NewReader("data: partial
")})
	deltas := collect(parseSSEStream(context.Background(), body, textDecoder))

	require.Len(t, deltas, 2)
	assert.Equal(t, "partial", deltas[0].Content)
	assert.True(t, deltas[1].Done)
	assert.ErrorIs(t, deltas[1].Err, domain.ErrProviderUnavailable)
	assert.ErrorContains(t, deltas[1].Err, "connection reset by peer")
}

func TestParseSSEStream_DoneFromDecoder(t *testing.T) {
	decode := func(data []byte) (*domain.StreamDelta, error) {
		return &domain.StreamDelta{Content: string(data), Done: string(data) == "stop"}, nil
	}
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader("data: a\ndata: stop\ndata: b\n")), decode))

	require.Len(t, deltas, 2)
	assert.True(t, deltas[1].Done)
}

func TestParseSSEStream_Cancelled(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	ch := parseSSEStream(ctx, pr, textDecoder)

	go func() { _, _ = pw.Write([]byte("data: one\n")) }()
	first := <-ch
	assert.Equal(t, "one", first.Content)

	cancel()
	pw.Close()
	for range ch {
	}
}
