package capture

import (
	"github.com/klauspost/compress/zstd"
)

// 每条记录独立成帧，只通过 EncodeAll/DecodeAll 使用，不启动后台 goroutine。
func newEncoder() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
		// 空请求也写出一帧，读端不必特判
		zstd.WithZeroFrames(true))
}

func newDecoder() (*zstd.Decoder, error) {
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxRecord))
}
