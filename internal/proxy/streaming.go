package proxy

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	"github.com/gluk-w/claworc/metering-proxy/internal/providers"
)

// maxLineBytes bounds the partial-line buffer. A line that grows past it is
// dropped up to its terminating newline.
const maxLineBytes = 1 << 20

var dataPrefix = []byte("data:")

// StreamParser extracts usage from an SSE byte stream fed in arbitrary
// chunks. It never alters the bytes it sees; it only observes them.
type StreamParser struct {
	line       []byte
	discarding bool

	model string
	usage pricing.Usage
	seen  bool
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes the next chunk. The parser does not retain chunk.
func (p *StreamParser) Feed(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.appendPartial(chunk)
			return
		}
		p.appendPartial(chunk[:i])
		if !p.discarding {
			p.processLine(p.line)
		}
		p.line = p.line[:0]
		p.discarding = false
		chunk = chunk[i+1:]
	}
}

func (p *StreamParser) appendPartial(b []byte) {
	if p.discarding {
		return
	}
	if len(p.line)+len(b) > maxLineBytes {
		p.discarding = true
		p.line = p.line[:0]
		return
	}
	p.line = append(p.line, b...)
}

func (p *StreamParser) processLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	frame, ok := providers.ParseAnthropicFrame(payload)
	if !ok {
		return
	}
	switch frame.Kind {
	case providers.FrameStart:
		if frame.Model != "" {
			p.model = frame.Model
		}
		p.apply(frame.Usage)
	case providers.FrameDelta:
		p.apply(frame.Usage)
	}
}

// apply overwrites the counters present in u; later frames win.
func (p *StreamParser) apply(u providers.UsageFields) {
	if !u.Any() {
		return
	}
	p.seen = true
	if u.HasInput {
		p.usage.InputTokens = u.Input
	}
	if u.HasOutput {
		p.usage.OutputTokens = u.Output
	}
	if u.HasCacheCreation {
		p.usage.CacheCreationTokens = u.CacheCreation
	}
	if u.HasCacheRead {
		p.usage.CacheReadTokens = u.CacheRead
	}
}

// Model is the model named by message_start, if any.
func (p *StreamParser) Model() string {
	return p.model
}

// Finish processes a trailing unterminated line and returns the accumulated
// usage. seen is false when the stream carried no usage at all.
func (p *StreamParser) Finish() (usage pricing.Usage, seen bool) {
	if len(p.line) > 0 && !p.discarding {
		p.processLine(p.line)
	}
	p.line = nil
	p.discarding = false
	return p.usage, p.seen
}

// pipeStream copies src to dst chunk by chunk, flushing after every write,
// and feeds each chunk to p only after the client has it. A write error stops
// the copy and is returned; read errors other than io.EOF are returned too.
func pipeStream(dst io.Writer, src io.Reader, p *StreamParser) error {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			p.Feed(chunk)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
