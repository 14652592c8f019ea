package ledger

import (
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/model"
)

// Reusable codecs; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ledger: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ledger: zstd decoder init: " + err.Error())
	}
}

// compress returns data zstd-compressed, or unchanged with CompressionNone
// when compression does not make it smaller.
func compress(data []byte) ([]byte, model.Compression) {
	out := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(out) >= len(data) {
		return data, model.CompressionNone
	}
	return out, model.CompressionZstd
}

func decompress(payload []byte, c model.Compression) ([]byte, error) {
	switch c {
	case model.CompressionNone, "":
		return payload, nil
	case model.CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: zstd decode")
		}
		return out, nil
	default:
		return nil, eris.Errorf("ledger: unknown compression %q", c)
	}
}
