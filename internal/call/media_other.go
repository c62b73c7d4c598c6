//go:build !linux || !cgo

package call

import (
	"errors"

	"github.com/rs/zerolog"
)

var errNoCaptureDriver = errors.New("call: no audio capture driver on this platform")

// acquireMedia on non-Linux platforms returns a receive-only media: capture
// via pion/mediadevices needs the malgo driver wiring we only carry for
// Linux. The engine still receives remote audio.
func acquireMedia(_ zerolog.Logger) (*localMedia, error) {
	media, err := recvOnlyMedia()
	if err != nil {
		return nil, err
	}
	return media, errNoCaptureDriver
}
