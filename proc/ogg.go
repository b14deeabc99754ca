package proc

import (
	"bufio"
	"bytes"
	"io"
	"slices"
	"sync"
)

// Header type flag marking a page whose first packet began on the previous page.
const oggContinued = 0x01

type oggPageData struct {
	continued bool
	lacing    []byte
	body      []byte
}

// oggPageReader reads whole Ogg pages, resyncing on the "OggS" capture pattern.
// The returned page is only valid until the next call.
type oggPageReader struct {
	r      *bufio.Reader
	header [27]byte
	lacing [255]byte
	body   []byte
}

func (pr *oggPageReader) next() (oggPageData, error) {
	for {
		sig, err := pr.r.Peek(4)
		if err != nil {
			return oggPageData{}, err
		}
		if string(sig) == "OggS" {
			break
		}
		_, _ = pr.r.Discard(1)
	}

	if _, err := io.ReadFull(pr.r, pr.header[:]); err != nil {
		return oggPageData{}, err
	}
	lacing := pr.lacing[:pr.header[26]]
	if _, err := io.ReadFull(pr.r, lacing); err != nil {
		return oggPageData{}, err
	}

	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	pr.body = slices.Grow(pr.body[:0], size)[:size]
	if _, err := io.ReadFull(pr.r, pr.body); err != nil {
		return oggPageData{}, err
	}

	return oggPageData{
		continued: pr.header[5]&oggContinued != 0,
		lacing:    lacing,
		body:      pr.body,
	}, nil
}

// oggPacketSplitter reassembles packets from page lacing values. A lacing
// value of 255 means the packet goes on, possibly into the next page.
type oggPacketSplitter struct {
	partial bytes.Buffer
	pending bool
}

func (s *oggPacketSplitter) split(page oggPageData, emit func([]byte)) {
	if s.pending && !page.continued {
		s.partial.Reset()
	}
	// The tail of a packet whose start was never seen.
	skip := page.continued && !s.pending

	off := 0
	for _, l := range page.lacing {
		seg := page.body[off : off+int(l)]
		off += int(l)
		if !skip {
			s.partial.Write(seg)
		}
		if l < 255 {
			if !skip && s.partial.Len() > 0 {
				emit(bytes.Clone(s.partial.Bytes()))
			}
			s.partial.Reset()
			skip = false
		}
	}

	if n := len(page.lacing); n > 0 {
		s.pending = page.lacing[n-1] == 255 && !skip
	}
}

// OggOpusProvider implements voice.OpusFrameProvider over an Ogg/Opus stream,
// as produced by "ffmpeg -f opus".
type OggOpusProvider struct {
	pages    oggPageReader
	splitter oggPacketSplitter
	queue    [][]byte

	onFinish func()
	once     sync.Once
}

func NewOggOpusProvider(r io.Reader, onFinish func()) *OggOpusProvider {
	return &OggOpusProvider{
		pages:    oggPageReader{r: bufio.NewReaderSize(r, 16384)},
		onFinish: onFinish,
	}
}

func (p *OggOpusProvider) Close() {
	p.finish()
}

func (p *OggOpusProvider) finish() {
	p.once.Do(func() {
		if p.onFinish != nil {
			p.onFinish()
		}
	})
}

// ProvideOpusFrame returns the next Opus packet, skipping the OpusHead and
// OpusTags headers. At end of stream it calls onFinish and returns the read error.
func (p *OggOpusProvider) ProvideOpusFrame() ([]byte, error) {
	for len(p.queue) == 0 {
		page, err := p.pages.next()
		if err != nil {
			p.finish()
			return nil, err
		}
		p.splitter.split(page, p.enqueue)
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	return frame, nil
}

func (p *OggOpusProvider) enqueue(packet []byte) {
	if isOpusHeader(packet) {
		return
	}
	p.queue = append(p.queue, packet)
}

func isOpusHeader(frame []byte) bool {
	return len(frame) >= 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags")
}
