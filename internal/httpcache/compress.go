package httpcache

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
)

// compressThreshold 超過此大小（位元組）的 body 才壓縮
const compressThreshold = 1024

// compress 以 gzip 壓縮資料
func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, apperrors.Compression(err, "create gzip writer")
	}

	if _, err := gz.Write(data); err != nil {
		return nil, apperrors.Compression(err, "gzip write")
	}

	if err := gz.Close(); err != nil {
		return nil, apperrors.Compression(err, "gzip close")
	}

	return buf.Bytes(), nil
}

// Decompress 還原 gzip 資料
func Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Compression(err, "open gzip reader")
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, apperrors.Compression(err, "gzip read")
	}
	return out, nil
}
