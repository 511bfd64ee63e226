package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

const (
	// HeaderSize is the length of a canonical RIFF/WAVE header for PCM data.
	HeaderSize = 44

	// Channels and BitsPerSample describe the only raw encoding the vendor
	// stream delivers (LINEAR16 mono).
	Channels      = 1
	BitsPerSample = 16

	// MinSampleRate and MaxSampleRate bound the rates the header can describe
	// faithfully and the vendor accepts.
	MinSampleRate = 8000
	MaxSampleRate = 192000

	formatPCM = 1
)

// ValidSampleRate reports whether hz is within [MinSampleRate, MaxSampleRate].
func ValidSampleRate(hz int) bool {
	return hz >= MinSampleRate && hz <= MaxSampleRate
}

// Header builds the canonical 44-byte header describing dataLen bytes of PCM.
func Header(dataLen, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	hdr := make([]byte, HeaderSize)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], formatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bitsPerSample))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))
	return hdr
}

// Assemble concatenates raw mono 16-bit PCM chunks in order and prefixes a
// header sized for the result. Zero chunks yield a bare 44-byte header.
func Assemble(chunks [][]byte, sampleRate int) []byte {
	dataLen := 0
	for _, c := range chunks {
		dataLen += len(c)
	}
	out := make([]byte, 0, HeaderSize+dataLen)
	out = append(out, Header(dataLen, sampleRate, Channels, BitsPerSample)...)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// HasEmbeddedHeader reports whether buf starts with a RIFF/WAVE tag pair and
// is long enough to carry audio after a full header.
func HasEmbeddedHeader(buf []byte) bool {
	if len(buf) <= HeaderSize {
		return false
	}
	return string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WAVE"
}

// StripEmbeddedHeader drops the 44-byte container header some vendor chunks
// carry in front of their PCM. Buffers without the tag pair, or no longer than
// a header, are returned as is.
func StripEmbeddedHeader(buf []byte) []byte {
	if !HasEmbeddedHeader(buf) {
		return buf
	}
	return buf[HeaderSize:]
}

// Info describes a WAV file as seen by a strict reader.
type Info struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	DataSize      int           `json:"data_size_bytes"`
	Samples       int           `json:"samples"`
	Duration      time.Duration `json:"duration"`
}

// Inspect parses a WAV file with a strict reader and checks that the declared
// data size matches the bytes that follow the data chunk header.
func Inspect(data []byte) (Info, error) {
	if len(data) < HeaderSize {
		return Info{}, fmt.Errorf("wav data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Info{}, fmt.Errorf("read wav headers: %w", err)
	}
	if dec.WavAudioFormat != formatPCM {
		return Info{}, fmt.Errorf("unsupported audio format %d", dec.WavAudioFormat)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 || dec.BitDepth == 0 {
		return Info{}, errors.New("wav header is missing format fields")
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate wav data chunk: %w", err)
	}
	if dec.PCMSize != r.Len() {
		return Info{}, fmt.Errorf("wav data size mismatch: header declares %d bytes, file carries %d", dec.PCMSize, r.Len())
	}

	info := Info{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
		DataSize:      dec.PCMSize,
	}
	frame := info.Channels * info.BitsPerSample / 8
	if frame > 0 {
		info.Samples = info.DataSize / frame
		info.Duration = time.Duration(float64(info.Samples) / float64(info.SampleRate) * float64(time.Second))
	}
	return info, nil
}
