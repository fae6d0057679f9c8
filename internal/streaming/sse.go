package streaming

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"catiecli-go/internal/translator"
)

// scanner buffer sizes; single SSE events can carry whole images.
const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 4 * 1024 * 1024
)

var dataPrefix = []byte("data: ")

func newEventScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanBufInitial), scanBufMax)
	return sc
}

// UnwrapNativeEvent strips the transport envelope off one SSE payload,
// hoisting modelVersion into the inner object. Payloads without an envelope
// come back untouched.
func UnwrapNativeEvent(payload []byte) []byte {
	parsed := gjson.ParseBytes(payload)
	inner := parsed.Get("response")
	if !inner.Exists() {
		return payload
	}
	out := inner.Raw
	if mv := parsed.Get("modelVersion"); mv.Exists() {
		out, _ = sjson.Set(out, "modelVersion", mv.String())
	}
	return []byte(out)
}

// CopyNative forwards a native SSE body to the client, unwrapping each data
// event. Non-data lines pass through verbatim.
func CopyNative(w io.Writer, flush func(), body io.Reader) error {
	sc := newEventScanner(body)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, dataPrefix) {
			writeEvent(w, UnwrapNativeEvent(bytes.TrimPrefix(line, dataPrefix)))
		} else {
			w.Write(line)
			w.Write([]byte("\n"))
		}
		if flush != nil {
			flush()
		}
	}
	return sc.Err()
}

// CopyOpenAI converts a native SSE body into OpenAI chunk events, closing
// with [DONE]. Empty payloads are dropped rather than forwarded.
func CopyOpenAI(w io.Writer, flush func(), body io.Reader, model string, images translator.ImageSaver) error {
	sc := newEventScanner(body)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		if first {
			writeEvent(w, translator.RoleChunk(model))
			first = false
		}
		if chunk := translator.NativeChunkToOpenAI(model, bytes.TrimPrefix(line, dataPrefix), images); chunk != nil {
			writeEvent(w, chunk)
			if flush != nil {
				flush()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	writeDone(w)
	if flush != nil {
		flush()
	}
	return nil
}
