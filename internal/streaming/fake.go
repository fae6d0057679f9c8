// Package streaming shapes upstream responses into the SSE forms the two
// client surfaces expect: fake streaming over a non-stream call, native SSE
// passthrough, and a continuation mode for streams that die mid-answer.
package streaming

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/translator"
)

var keepaliveInterval = 2 * time.Second

// GenerateFunc performs the blocking upstream call behind a fake stream.
type GenerateFunc func(ctx context.Context) ([]byte, error)

// FakeStream turns a non-streaming call into an OpenAI SSE stream: an
// immediate role chunk, an empty-delta keepalive every two seconds while the
// call is in flight, then the whole answer as one content chunk and a stop
// marker. Clients that abort on silent connections stay happy even when the
// upstream cannot stream the selected model.
func FakeStream(ctx context.Context, model string, call GenerateFunc, images translator.ImageSaver) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		writeEvent(pw, translator.RoleChunk(model))

		type outcome struct {
			body []byte
			err  error
		}
		done := make(chan outcome, 1)
		go func() {
			body, err := call(ctx)
			done <- outcome{body, err}
		}()

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeEvent(pw, translator.KeepaliveChunk(model))
			case result := <-done:
				if result.err != nil {
					log.WithError(result.err).Warn("fake stream upstream call failed")
					writeEvent(pw, translator.ContentChunk(model, "\n\n[Error: "+result.err.Error()+"]"))
				} else if content := translator.ExtractContent(result.body, images); content != "" {
					writeEvent(pw, translator.ContentChunk(model, content))
				}
				writeEvent(pw, translator.StopChunk(model))
				writeDone(pw)
				return
			}
		}
	}()

	return pr
}

func writeEvent(w io.Writer, payload []byte) {
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func writeDone(w io.Writer) {
	w.Write([]byte("data: [DONE]\n\n"))
}
