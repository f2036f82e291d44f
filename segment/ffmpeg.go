package segment

import (
	"go.uber.org/zap"

	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/internal/observe"
)

// FFmpegOptions configures fragment encoding.
type FFmpegOptions struct {
	FFmpegPath  string
	FrameRate   int
	PixelFormat string
	Plan        *encoder.Plan
	Logger      *zap.Logger
	Metrics     *observe.Metrics
}

// FFmpegWriter returns a WriterFunc that encodes each fragment as an
// MPEG-TS file with its own ffmpeg process. Transport streams stay
// playable up to the last complete packet and concatenate without
// re-encoding.
func FFmpegWriter(o FFmpegOptions) WriterFunc {
	return func(path string, width, height int) (FragmentWriter, error) {
		return encoder.Start(&encoder.Options{
			FFmpegPath:  o.FFmpegPath,
			Output:      path,
			Format:      "mpegts",
			Width:       width,
			Height:      height,
			PixelFormat: o.PixelFormat,
			FrameRate:   o.FrameRate,
			GOPSeconds:  1,
			Plan:        o.Plan,
			Track:       "aux",
			Logger:      o.Logger,
			Metrics:     o.Metrics,
		})
	}
}
