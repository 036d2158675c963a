package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// The web recorder captures at 48 kHz stereo opus with 20 ms frames and ships
// clips as a framed packet stream: each packet is prefixed with its length as
// a big-endian uint16.
const (
	// MimeFramedOpus identifies a framed-opus clip blob.
	MimeFramedOpus = "audio/x-parley-opus"

	// MimePCM16 identifies a raw 16 kHz mono int16 PCM clip blob.
	MimePCM16 = "audio/x-parley-pcm16"

	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusFormat is the capture format of framed-opus clips.
var OpusFormat = Format{SampleRate: opusSampleRate, Channels: opusChannels}

// DecodeFramedOpus decodes a framed-opus clip blob into interleaved 48 kHz
// stereo int16 PCM bytes. A fresh decoder is created per clip so packet state
// never leaks between clips.
func DecodeFramedOpus(blob []byte) ([]byte, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var out []byte
	for off := 0; off < len(blob); {
		if off+2 > len(blob) {
			return nil, fmt.Errorf("audio: truncated framed opus clip at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(blob[off : off+2]))
		off += 2
		if off+n > len(blob) {
			return nil, fmt.Errorf("audio: framed opus packet overruns clip (offset %d, length %d)", off, n)
		}
		pcm, err := dec.Decode(blob[off:off+n], opusFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		out = append(out, Int16sToBytes(pcm)...)
		off += n
	}
	return out, nil
}

// DecodeClip converts a recorded clip blob into the transcriber's 16 kHz mono
// PCM format, dispatching on the clip's MIME type.
func DecodeClip(blob []byte, mimeType string) ([]byte, error) {
	switch mimeType {
	case MimeFramedOpus:
		pcm, err := DecodeFramedOpus(blob)
		if err != nil {
			return nil, err
		}
		return ToSTTFormat(pcm, OpusFormat), nil
	case MimePCM16, "":
		return blob, nil
	default:
		return nil, fmt.Errorf("audio: unsupported clip mime type %q", mimeType)
	}
}
