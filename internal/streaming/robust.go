package streaming

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/translator"
)

// maxContinues bounds how many times a truncated stream is reopened.
const maxContinues = 3

// OpenFunc reopens the upstream stream. priorText carries everything already
// delivered to the client so the continuation request can pick up from there;
// it is empty on the first call.
type OpenFunc func(ctx context.Context, priorText string) (io.ReadCloser, error)

// RobustOpenAIStream streams in OpenAI chunk format and papers over upstream
// truncation: when the SSE body ends without any finishReason, the stream is
// reopened with the accumulated text and the new chunks are appended, up to
// maxContinues reopenings. The client sees one uninterrupted stream.
func RobustOpenAIStream(ctx context.Context, w io.Writer, flush func(), open OpenFunc, model string, images translator.ImageSaver) error {
	var delivered strings.Builder

	writeEvent(w, translator.RoleChunk(model))
	if flush != nil {
		flush()
	}

	finished := false
	for attempt := 0; attempt <= maxContinues && !finished; attempt++ {
		body, err := open(ctx, delivered.String())
		if err != nil {
			if attempt == 0 {
				return err
			}
			log.WithError(err).Warn("stream continuation failed, ending stream")
			break
		}

		finished, err = copyAttempt(w, flush, body, model, images, &delivered)
		body.Close()
		if err != nil {
			return err
		}
		if !finished && attempt < maxContinues {
			log.WithField("attempt", attempt+1).Info("stream ended without finish reason, continuing")
		}
	}

	if !finished {
		writeEvent(w, translator.StopChunk(model))
	}
	writeDone(w)
	if flush != nil {
		flush()
	}
	return nil
}

// copyAttempt forwards one stream attempt, reporting whether a finish reason
// arrived before EOF.
func copyAttempt(w io.Writer, flush func(), body io.Reader, model string, images translator.ImageSaver, delivered *strings.Builder) (bool, error) {
	sc := newEventScanner(body)
	finished := false
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimPrefix(line, dataPrefix)

		native := UnwrapNativeEvent(payload)
		if gjson.GetBytes(native, "candidates.0.finishReason").Exists() {
			finished = true
		}
		delivered.WriteString(translator.ExtractContent(payload, nil))

		if chunk := translator.NativeChunkToOpenAI(model, payload, images); chunk != nil {
			writeEvent(w, chunk)
			if flush != nil {
				flush()
			}
		}
	}
	return finished, sc.Err()
}
