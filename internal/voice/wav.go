package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MimeTypeWAV is the mime type of WAV-wrapped clips
const MimeTypeWAV = "audio/wav"

// WAV wraps the clip's 16-bit little-endian PCM in a WAV container
func (c Clip) WAV() ([]byte, error) {
	f := c.Format
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("wav: unsupported bit depth %d", f.BitDepth)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, errors.New("wav: incomplete format")
	}

	samples := make([]int, len(c.Data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(c.Data[i*2:])))
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, f.SampleRate, f.BitDepth, f.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: f.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("wav: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav: finalize: %w", err)
	}
	return out.buf, nil
}

// memFile is an in-memory io.WriteSeeker for the WAV encoder, which seeks
// back to patch the header sizes on Close.
type memFile struct {
	buf []byte
	pos int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = m.pos + offset
	case io.SeekEnd:
		pos = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = pos
	return pos, nil
}
