package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV parses a RIFF/WAVE payload into mono samples in [-1, 1] and
// returns them with the sample rate. Multi-channel audio is averaged.
func DecodeWAV(data []byte) ([]float64, int, error) {
	if len(data) < 12 {
		return nil, 0, errors.New("wav payload too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAVE payload")
	}

	var (
		format        uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		pcm           []byte
		haveFmt       bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			// ffmpeg writes 0xFFFFFFFF sizes when streaming; take what is there.
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, errors.New("wav fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format == wavFormatExtensible && end-body >= 26 {
				format = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}
		if pcm != nil && haveFmt {
			break
		}
		next := end
		if size%2 == 1 {
			next++
		}
		if next <= pos {
			break
		}
		pos = next
	}

	if !haveFmt {
		return nil, 0, errors.New("wav fmt chunk missing")
	}
	if pcm == nil {
		return nil, 0, errors.New("wav data chunk missing")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, fmt.Errorf("invalid wav header channels=%d sample_rate=%d", channels, sampleRate)
	}

	interleaved, err := decodePCM(pcm, format, bitsPerSample)
	if err != nil {
		return nil, 0, err
	}
	if channels == 1 {
		return interleaved, sampleRate, nil
	}

	mono := make([]float64, len(interleaved)/channels)
	for i := range mono {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}
	return mono, sampleRate, nil
}

func decodePCM(pcm []byte, format uint16, bits int) ([]float64, error) {
	switch {
	case format == wavFormatPCM && bits == 8:
		out := make([]float64, len(pcm))
		for i, b := range pcm {
			out[i] = (float64(b) - 128.0) / 128.0
		}
		return out, nil
	case format == wavFormatPCM && bits == 16:
		out := make([]float64, len(pcm)/2)
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		}
		return out, nil
	case format == wavFormatPCM && bits == 24:
		out := make([]float64, len(pcm)/3)
		for i := range out {
			b := pcm[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float64(v) / 8388608.0
		}
		return out, nil
	case format == wavFormatPCM && bits == 32:
		out := make([]float64, len(pcm)/4)
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(pcm[i*4:]))) / 2147483648.0
		}
		return out, nil
	case format == wavFormatIEEEFloat && bits == 32:
		out := make([]float64, len(pcm)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported wav encoding format=%d bits=%d", format, bits)
	}
}

// EncodeWAV writes mono 16-bit PCM. It is used by tests and the bench tool
// to synthesize canonical input.
func EncodeWAV(samples []float64, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, s))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(math.Round(v*32767))))
	}
	return buf
}
