//go:build linux && cgo

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// acquireMedia captures the local microphone as an Opus track via
// pion/mediadevices (malgo on Linux). Capture failure is not fatal: the
// returned media is receive-only and the error tells the caller why.
func acquireMedia(log zerolog.Logger) (*localMedia, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return fallback(fmt.Errorf("call: opus params: %w", err))
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fallback(fmt.Errorf("call: register interceptors: %w", err))
	}

	// Generous ICE timeouts: the default disconnectedTimeout of 5 s drops a
	// call on any brief NAT hiccup.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return fallback(fmt.Errorf("call: get user media: %w", err))
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return fallback(fmt.Errorf("call: no audio track captured"))
	}

	media := &localMedia{api: api}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("local audio track ended")
			}
		})
		media.tracks = append(media.tracks, track)
	}
	captured := tracks
	media.close = func() {
		for _, t := range captured {
			t.Close()
		}
	}
	log.Info().Int("tracks", len(media.tracks)).Msg("local audio captured")
	return media, nil
}

// fallback pairs a receive-only media with the capture error so callers can
// log the degrade while still joining the mesh.
func fallback(cause error) (*localMedia, error) {
	media, err := recvOnlyMedia()
	if err != nil {
		return nil, err
	}
	return media, cause
}
