package compress

import (
	"bytes"
	"compress/flate"
	"io"
	"io/ioutil"

	"github.com/duplexws/duplexws/frame"
)

// deflate framing per RFC 7692: a flushed block ends with this marker, which
// is stripped from the last frame of a message and restored before inflate.
var deflateTail = []byte{0x00, 0x00, 0xFF, 0xFF}

// finalBlock is an empty stored block with the final bit set, appended so the
// inflater terminates cleanly instead of waiting for more input.
var finalBlock = []byte{0x01, 0x00, 0x00, 0xFF, 0xFF}

// window is the deflate sliding window carried across messages when context
// takeover is negotiated.
const window = 32 * 1024

type (
	// Context is the stateful compressor/decompressor pair of one
	// connection. It is driven only by the connection that owns it.
	Context struct {
		threshold int
		takeover  bool
		maxSize   int

		fw   *flate.Writer
		sink bytes.Buffer

		dict []byte
	}
)

// NewContext create a compression context. threshold is the minimum payload
// size worth compressing, maxSize bounds a decompressed message (0 means
// unlimited), takeover keeps the sliding window across messages.
func NewContext(threshold, maxSize int, takeover bool) *Context {
	return &Context{
		threshold: threshold,
		takeover:  takeover,
		maxSize:   maxSize,
	}
}

// RSVBit returns the header rsv bit flagging a compressed message.
func (c *Context) RSVBit() byte {
	return frame.RSV1
}

// Threshold returns the minimum payload size worth compressing.
func (c *Context) Threshold() int {
	return c.threshold
}

// Compress deflates one block of a message. Every block is flushed so it can
// travel in its own frame; the last block of a message drops the flush
// marker and, without context takeover, resets the window.
func (c *Context) Compress(b []byte, lastBlock bool) (out []byte, err error) {
	if c.fw == nil {
		if c.fw, err = flate.NewWriter(&c.sink, flate.BestSpeed); err != nil {
			return
		}
	}
	if _, err = c.fw.Write(b); err != nil {
		return
	}
	if err = c.fw.Flush(); err != nil {
		return
	}
	data := c.sink.Bytes()
	if lastBlock && bytes.HasSuffix(data, deflateTail) {
		data = data[:len(data)-len(deflateTail)]
	}
	out = make([]byte, len(data))
	copy(out, data)
	c.sink.Reset()
	if lastBlock && !c.takeover {
		c.fw.Reset(&c.sink)
	}
	return
}

// Decompress inflates the accumulated payload of a complete message. A
// corrupt stream yields the inflate error; a message inflating past maxSize
// yields a *frame.Error with the message-too-large code.
func (c *Context) Decompress(b []byte, lastBlock bool) ([]byte, error) {
	in := make([]byte, 0, len(b)+len(deflateTail)+len(finalBlock))
	in = append(in, b...)
	in = append(in, deflateTail...)
	in = append(in, finalBlock...)

	var fr io.ReadCloser
	if c.takeover && c.dict != nil {
		fr = flate.NewReaderDict(bytes.NewReader(in), c.dict)
	} else {
		fr = flate.NewReader(bytes.NewReader(in))
	}
	defer fr.Close()

	var (
		out []byte
		err error
	)
	if c.maxSize > 0 {
		out, err = ioutil.ReadAll(io.LimitReader(fr, int64(c.maxSize)+1))
		if err == nil && len(out) > c.maxSize {
			return nil, frame.NewError(frame.CodeMessageTooLarge, "Message exceeds limit")
		}
	} else {
		out, err = ioutil.ReadAll(fr)
	}
	if err != nil {
		return nil, err
	}

	if c.takeover && lastBlock {
		c.dict = appendWindow(c.dict, out)
	}
	return out, nil
}

// appendWindow keep the last window bytes of the decompressed stream.
func appendWindow(dict, out []byte) []byte {
	dict = append(dict, out...)
	if len(dict) > window {
		tail := make([]byte, window)
		copy(tail, dict[len(dict)-window:])
		return tail
	}
	return dict
}
