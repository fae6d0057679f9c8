package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// parseEvents splits an SSE body into its data payloads.
func parseEvents(t *testing.T, raw string) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestFakeStreamHappyPath(t *testing.T) {
	body := []byte(`{"response":{"candidates":[{"content":{"parts":[
		{"text":"secret plan","thought":true},
		{"text":"the full answer"}
	]}}]}}`)
	call := func(context.Context) ([]byte, error) { return body, nil }

	raw, err := io.ReadAll(FakeStream(context.Background(), "m", call, nil))
	require.NoError(t, err)

	events := parseEvents(t, string(raw))
	require.Len(t, events, 4)
	assert.Equal(t, "assistant", gjson.Get(events[0], "choices.0.delta.role").String())
	assert.Equal(t, "the full answer", gjson.Get(events[1], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(events[2], "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", events[3])
}

func TestFakeStreamKeepalives(t *testing.T) {
	old := keepaliveInterval
	keepaliveInterval = 10 * time.Millisecond
	defer func() { keepaliveInterval = old }()

	call := func(ctx context.Context) ([]byte, error) {
		time.Sleep(35 * time.Millisecond)
		return []byte(`{"candidates":[{"content":{"parts":[{"text":"late"}]}}]}`), nil
	}
	raw, err := io.ReadAll(FakeStream(context.Background(), "m", call, nil))
	require.NoError(t, err)

	events := parseEvents(t, string(raw))
	// role + at least two keepalives + content + stop + done
	require.GreaterOrEqual(t, len(events), 6)

	keepalives := 0
	for _, e := range events[1 : len(events)-3] {
		delta := gjson.Get(e, "choices.0.delta")
		if delta.IsObject() && len(delta.Map()) == 0 {
			keepalives++
		}
	}
	assert.GreaterOrEqual(t, keepalives, 2)
	assert.Equal(t, "late", gjson.Get(events[len(events)-3], "choices.0.delta.content").String())
}

func TestFakeStreamUpstreamError(t *testing.T) {
	call := func(context.Context) ([]byte, error) { return nil, errors.New("API Error 500: boom") }
	raw, err := io.ReadAll(FakeStream(context.Background(), "m", call, nil))
	require.NoError(t, err)

	events := parseEvents(t, string(raw))
	require.Len(t, events, 4)
	assert.Contains(t, gjson.Get(events[1], "choices.0.delta.content").String(), "API Error 500: boom")
	assert.Equal(t, "[DONE]", events[3])
}

func TestUnwrapNativeEvent(t *testing.T) {
	payload := []byte(`{"response":{"candidates":[]},"modelVersion":"gemini-2.5-pro-001"}`)
	out := UnwrapNativeEvent(payload)
	assert.Equal(t, "gemini-2.5-pro-001", gjson.GetBytes(out, "modelVersion").String())
	assert.True(t, gjson.GetBytes(out, "candidates").Exists())
	assert.False(t, gjson.GetBytes(out, "response").Exists())

	bare := []byte(`{"candidates":[]}`)
	assert.Equal(t, bare, UnwrapNativeEvent(bare))
}

func TestCopyNative(t *testing.T) {
	upstream := "data: {\"response\":{\"candidates\":[1]}}\n\ndata: {\"candidates\":[2]}\n\n"
	var out bytes.Buffer
	flushes := 0
	err := CopyNative(&out, func() { flushes++ }, strings.NewReader(upstream))
	require.NoError(t, err)

	events := parseEvents(t, out.String())
	require.Len(t, events, 2)
	assert.Equal(t, `{"candidates":[1]}`, events[0])
	assert.Equal(t, `{"candidates":[2]}`, events[1])
	assert.Greater(t, flushes, 0)
}

func TestCopyOpenAI(t *testing.T) {
	upstream := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[]},\"finishReason\":\"STOP\"}]}}\n\n"
	var out bytes.Buffer
	err := CopyOpenAI(&out, nil, strings.NewReader(upstream), "m", nil)
	require.NoError(t, err)

	events := parseEvents(t, out.String())
	require.Len(t, events, 4)
	assert.Equal(t, "assistant", gjson.Get(events[0], "choices.0.delta.role").String())
	assert.Equal(t, "a", gjson.Get(events[1], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(events[2], "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", events[3])
}

func sseBody(chunks ...string) io.ReadCloser {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: ")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestRobustStreamCompletesFirstTry(t *testing.T) {
	opens := 0
	open := func(ctx context.Context, prior string) (io.ReadCloser, error) {
		opens++
		assert.Empty(t, prior)
		return sseBody(
			`{"candidates":[{"content":{"parts":[{"text":"done "}]}}]}`,
			`{"candidates":[{"content":{"parts":[{"text":"deal"}]},"finishReason":"STOP"}]}`,
		), nil
	}

	var out bytes.Buffer
	err := RobustOpenAIStream(context.Background(), &out, nil, open, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, opens)

	events := parseEvents(t, out.String())
	assert.Equal(t, "[DONE]", events[len(events)-1])
	// finish arrived from upstream, so no synthetic stop before [DONE]
	assert.Equal(t, "stop", gjson.Get(events[len(events)-2], "choices.0.finish_reason").String())
	assert.Equal(t, "deal", gjson.Get(events[len(events)-2], "choices.0.delta.content").String())
}

func TestRobustStreamContinuesAfterTruncation(t *testing.T) {
	var priors []string
	opens := 0
	open := func(ctx context.Context, prior string) (io.ReadCloser, error) {
		opens++
		priors = append(priors, prior)
		if opens == 1 {
			// ends without a finish reason
			return sseBody(`{"candidates":[{"content":{"parts":[{"text":"first half "}]}}]}`), nil
		}
		return sseBody(`{"candidates":[{"content":{"parts":[{"text":"second half"}]},"finishReason":"STOP"}]}`), nil
	}

	var out bytes.Buffer
	err := RobustOpenAIStream(context.Background(), &out, nil, open, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, opens)
	assert.Equal(t, "", priors[0])
	assert.Equal(t, "first half ", priors[1])

	joined := out.String()
	assert.Contains(t, joined, "first half ")
	assert.Contains(t, joined, "second half")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(joined), "data: [DONE]"))
}

func TestRobustStreamGivesUpAfterMaxContinues(t *testing.T) {
	opens := 0
	open := func(ctx context.Context, prior string) (io.ReadCloser, error) {
		opens++
		return sseBody(`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`), nil
	}

	var out bytes.Buffer
	err := RobustOpenAIStream(context.Background(), &out, nil, open, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, maxContinues+1, opens)

	events := parseEvents(t, out.String())
	// synthetic stop chunk precedes [DONE]
	assert.Equal(t, "stop", gjson.Get(events[len(events)-2], "choices.0.finish_reason").String())
}

func TestRobustStreamFirstOpenError(t *testing.T) {
	open := func(ctx context.Context, prior string) (io.ReadCloser, error) {
		return nil, errors.New("API Error 503: down")
	}
	var out bytes.Buffer
	err := RobustOpenAIStream(context.Background(), &out, nil, open, "m", nil)
	assert.Error(t, err)
}
