package sync

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/s2"
)

// DeltaCompressor кодирует/декодирует набор изменений в компактный вид.
// Формат кадра: [len(uint32)] [data] … ; компрессоры отличаются только
// обёрткой вокруг кадров.

type DeltaCompressor interface {
	Compress(changes []Change) ([]byte, error)
	Decompress(payload []byte) ([]Change, error)
}

type passthroughCompressor struct{}

// NewPassthroughCompressor возвращает компрессор без сжатия.
func NewPassthroughCompressor() DeltaCompressor { return &passthroughCompressor{} }

func (p *passthroughCompressor) Compress(changes []Change) ([]byte, error) {
	buf := make([]byte, 0)
	for _, c := range changes {
		n := uint32(len(c.Data))
		buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		buf = append(buf, c.Data...)
	}
	return buf, nil
}

func (p *passthroughCompressor) Decompress(payload []byte) ([]Change, error) {
	var res []Change
	i := 0
	for i < len(payload) {
		if i+4 > len(payload) {
			break // повреждённый хвост игнорируем
		}
		n := uint32(payload[i])<<24 | uint32(payload[i+1])<<16 | uint32(payload[i+2])<<8 | uint32(payload[i+3])
		i += 4
		if i+int(n) > len(payload) {
			break
		}
		res = append(res, Change{Data: payload[i : i+int(n)]})
		i += int(n)
	}
	return res, nil
}

// gzipCompressor оборачивает кадры в gzip — лучший коэффициент сжатия
// на крупных батчах за счёт CPU.
type gzipCompressor struct{}

// NewGzipCompressor возвращает gzip-компрессор.
func NewGzipCompressor() DeltaCompressor { return &gzipCompressor{} }

func (g *gzipCompressor) Compress(changes []Change) ([]byte, error) {
	passthrough := &passthroughCompressor{}
	raw, err := passthrough.Compress(changes)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *gzipCompressor) Decompress(payload []byte) ([]Change, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	passthrough := &passthroughCompressor{}
	return passthrough.Decompress(raw)
}

// s2Compressor — быстрое сжатие S2; дефолт для репликации претензий.
type s2Compressor struct{}

// NewS2Compressor возвращает S2-компрессор.
func NewS2Compressor() DeltaCompressor { return &s2Compressor{} }

func (c *s2Compressor) Compress(changes []Change) ([]byte, error) {
	passthrough := &passthroughCompressor{}
	raw, err := passthrough.Compress(changes)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

func (c *s2Compressor) Decompress(payload []byte) ([]Change, error) {
	raw, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, err
	}
	passthrough := &passthroughCompressor{}
	return passthrough.Decompress(raw)
}
