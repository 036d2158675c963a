package audio

import "encoding/binary"

const wavBitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a RIFF/WAV
// container suitable for multipart upload to a transcription endpoint.
func EncodeWAV(pcm []byte, format Format) []byte {
	bps := wavBitsPerSample
	byteRate := format.SampleRate * format.Channels * bps / 8
	blockAlign := format.Channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
