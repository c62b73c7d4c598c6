package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// localMedia is what audio acquisition yields: the webrtc API all of the
// engine's links must be created from (its media engine knows the capture
// codecs) plus the captured tracks and their teardown.
type localMedia struct {
	api    *webrtc.API
	tracks []webrtc.TrackLocal
	close  func()
}

// Close releases the capture hardware. Safe on a receive-only media.
func (m *localMedia) Close() {
	if m.close != nil {
		m.close()
		m.close = nil
	}
}

// recvOnlyMedia builds an API with default codecs and no local tracks. Used
// when capture is unavailable or disabled — the user still receives remote
// audio.
func recvOnlyMedia() (*localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("call: register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("call: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &localMedia{api: api}, nil
}
