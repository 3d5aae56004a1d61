// Package wsmic implements [audio.Device] for browser microphones relayed
// over a websocket.
//
// The browser opens one websocket per interview session and announces itself
// with a JSON hello:
//
//	{"type":"hello","format":"opus","sample_rate":48000,"channels":1,
//	 "container":"audio/webm","permission":"granted","label":"USB Mic"}
//
// After the hello, every binary message starts with a one-byte tag:
//
//	0x01  audio frame   (one Opus packet, or raw 16-bit LE PCM when format is "pcm")
//	0x02  container     (a MediaRecorder chunk in the announced container)
//
// Frames are only forwarded while the device is open through [Hub.Open]. The
// hub tells the browser when to record with {"type":"mic","open":true|false}
// so nothing is captured while the device is closed. A later
// {"type":"permission","permission":"denied"} message marks the device as
// refused.
package wsmic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"

	"github.com/MrWong99/panelist/pkg/audio"
)

const (
	tagFrame     byte = 0x01
	tagContainer byte = 0x02

	defaultReadLimit    = 1 << 20
	defaultFrameBuffer  = 128
	defaultOpusFrameMs  = 20
	controlWriteTimeout = 2 * time.Second
)

// hello is the first message a browser sends after connecting.
type hello struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Container  string `json:"container"`
	Permission string `json:"permission"`
	Label      string `json:"label"`
}

// control is a server-to-browser or browser-to-server control message.
type control struct {
	Type       string `json:"type"`
	Open       *bool  `json:"open,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// Option is a functional option for configuring a [Hub].
type Option func(*Hub)

// WithOriginPatterns restricts which browser origins may connect. Without it
// only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithFrameBuffer sets the per-stream frame channel capacity. Frames that do
// not fit are dropped. Default: 128.
func WithFrameBuffer(n int) Option {
	return func(h *Hub) { h.frameBuffer = n }
}

// Hub tracks connected browser microphones by device ID and hands them out
// through [Hub.Open]. It is safe for concurrent use.
type Hub struct {
	origins     []string
	frameBuffer int

	mu      sync.Mutex
	devices map[string]*peer
}

var _ audio.Device = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		frameBuffer: defaultFrameBuffer,
		devices:     make(map[string]*peer),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Serve upgrades the request to a websocket and registers it as deviceID
// until the socket closes. A second connection for the same ID replaces the
// first. Serve blocks for the lifetime of the socket.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("wsmic: accept failed", "device", deviceID, "err", err)
		return
	}
	conn.SetReadLimit(defaultReadLimit)
	ctx := r.Context()

	var hi hello
	if err := wsjson.Read(ctx, conn, &hi); err != nil || hi.Type != "hello" {
		conn.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}
	p, err := newPeer(conn, deviceID, hi, h.frameBuffer)
	if err != nil {
		conn.Close(websocket.StatusUnsupportedData, err.Error())
		return
	}

	h.mu.Lock()
	if old := h.devices[deviceID]; old != nil {
		go old.shutdown(websocket.StatusGoingAway, "replaced")
	}
	h.devices[deviceID] = p
	h.mu.Unlock()
	slog.Info("wsmic: device connected", "device", deviceID, "label", hi.Label, "format", p.format)

	err = p.readLoop(ctx)

	h.mu.Lock()
	if h.devices[deviceID] == p {
		delete(h.devices, deviceID)
	}
	h.mu.Unlock()
	p.shutdown(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		slog.Debug("wsmic: device read ended", "device", deviceID, "err", err)
	}
	slog.Info("wsmic: device disconnected", "device", deviceID)
}

// Open implements [audio.Device].
func (h *Hub) Open(ctx context.Context, deviceID string) (audio.Stream, error) {
	h.mu.Lock()
	p := h.devices[deviceID]
	h.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("wsmic: open %q: %w", deviceID, audio.ErrNoDevice)
	}
	s, err := p.attach()
	if err != nil {
		return nil, fmt.Errorf("wsmic: open %q: %w", deviceID, err)
	}
	p.sendMic(ctx, true)
	return s, nil
}

// Connected reports whether a browser is registered under deviceID.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[deviceID] != nil
}

// ---- peer ----

// peer is one connected browser.
type peer struct {
	conn       *websocket.Conn
	id         string
	format     string
	sampleRate int
	channels   int
	container  string
	buffer     int
	dec        *gopus.Decoder

	mu      sync.Mutex
	denied  bool
	stream  *stream
	closed  bool
	writeMu sync.Mutex
}

func newPeer(conn *websocket.Conn, id string, hi hello, buffer int) (*peer, error) {
	p := &peer{
		conn:       conn,
		id:         id,
		format:     hi.Format,
		sampleRate: hi.SampleRate,
		channels:   hi.Channels,
		container:  hi.Container,
		buffer:     buffer,
		denied:     hi.Permission == "denied",
	}
	if p.channels <= 0 {
		p.channels = 1
	}
	switch p.format {
	case "opus", "":
		p.format = "opus"
		if p.sampleRate == 0 {
			p.sampleRate = 48000
		}
		dec, err := gopus.NewDecoder(p.sampleRate, p.channels)
		if err != nil {
			return nil, fmt.Errorf("wsmic: create opus decoder: %w", err)
		}
		p.dec = dec
	case "pcm":
		if p.sampleRate == 0 {
			p.sampleRate = 16000
		}
	default:
		return nil, fmt.Errorf("wsmic: unsupported format %q", hi.Format)
	}
	return p, nil
}

func (p *peer) readLoop(ctx context.Context) error {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			p.handleControl(data)
			continue
		}
		if len(data) < 2 {
			continue
		}
		switch data[0] {
		case tagFrame:
			pcm, err := p.decode(data[1:])
			if err != nil {
				slog.Debug("wsmic: dropping undecodable frame", "device", p.id, "err", err)
				continue
			}
			p.deliver(pcm)
		case tagContainer:
			p.appendRecording(data[1:])
		}
	}
}

func (p *peer) handleControl(data []byte) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return
	}
	if c.Type == "permission" {
		p.mu.Lock()
		p.denied = c.Permission == "denied"
		p.mu.Unlock()
	}
}

func (p *peer) decode(payload []byte) ([]byte, error) {
	if p.dec == nil {
		if len(payload)%2 != 0 {
			return nil, errors.New("odd pcm byte count")
		}
		return payload, nil
	}
	frameSize := p.sampleRate * defaultOpusFrameMs / 1000
	samples, err := p.dec.Decode(payload, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

func (p *peer) attach() (*stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, audio.ErrNoDevice
	case p.denied:
		return nil, audio.ErrPermissionDenied
	case p.stream != nil:
		return nil, audio.ErrDeviceBusy
	}
	s := &stream{
		peer:   p,
		frames: make(chan audio.AudioFrame, p.buffer),
		mime:   p.container,
	}
	p.stream = s
	return s, nil
}

// deliver forwards PCM to the open stream, if any. Frames are dropped when
// the device is closed or the consumer lags.
func (p *peer) deliver(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stream
	if s == nil {
		return
	}
	f := audio.AudioFrame{
		Data:       pcm,
		SampleRate: p.sampleRate,
		Channels:   p.channels,
		Timestamp:  s.elapsed,
	}
	s.elapsed += f.Duration()
	select {
	case s.frames <- f:
	default:
	}
}

func (p *peer) appendRecording(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil && p.container != "" {
		p.stream.recording = append(p.stream.recording, chunk...)
	}
}

func (p *peer) detach(s *stream) {
	p.mu.Lock()
	if p.stream == s {
		p.stream = nil
	}
	p.mu.Unlock()
}

func (p *peer) sendMic(ctx context.Context, open bool) {
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := wsjson.Write(ctx, p.conn, control{Type: "mic", Open: &open}); err != nil {
		slog.Debug("wsmic: mic control write failed", "device", p.id, "err", err)
	}
}

func (p *peer) shutdown(code websocket.StatusCode, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	s := p.stream
	p.stream = nil
	p.mu.Unlock()
	if s != nil {
		s.finish()
	}
	p.conn.Close(code, reason)
}

// ---- stream ----

type stream struct {
	peer   *peer
	frames chan audio.AudioFrame
	mime   string

	// guarded by peer.mu
	elapsed   time.Duration
	recording []byte

	once sync.Once
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) MIMEType() string { return s.mime }

func (s *stream) Recording() []byte {
	s.peer.mu.Lock()
	defer s.peer.mu.Unlock()
	return append([]byte(nil), s.recording...)
}

func (s *stream) Close() error {
	s.peer.detach(s)
	s.finish()
	go s.peer.sendMic(context.Background(), false)
	return nil
}

// finish closes the frame channel exactly once. Callers must have detached
// the stream first so deliver can no longer send on it.
func (s *stream) finish() {
	s.once.Do(func() {
		s.peer.mu.Lock()
		close(s.frames)
		s.peer.mu.Unlock()
	})
}
