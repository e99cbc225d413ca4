package main

import (
	"fmt"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"

	"github.com/spf13/cobra"
)

// paramFlags are the target params accepted by commands that fingerprint
// or register enclosures. Unset flags keep the configured defaults.
type paramFlags struct {
	codec      string
	bitrate    int
	sampleRate int
	channels   int
}

func (f *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.codec, "codec", "", "Target codec (mp3, aac, opus, vorbis)")
	cmd.Flags().IntVar(&f.bitrate, "bitrate", 0, "Target bitrate in kbps")
	cmd.Flags().IntVar(&f.sampleRate, "sample-rate", 0, "Target sample rate in Hz (0 keeps the source rate)")
	cmd.Flags().IntVar(&f.channels, "channels", 0, "Target channel count (0 keeps the source layout)")
}

func (f *paramFlags) resolve(cmd *cobra.Command, defaults fingerprint.Params) (fingerprint.Params, error) {
	p := defaults
	flags := cmd.Flags()
	if flags.Changed("codec") {
		codec, ok := mediatypes.ParseCodec(f.codec)
		if !ok {
			return fingerprint.Params{}, fmt.Errorf("unsupported codec %q", f.codec)
		}
		// Sample rate and layout defaults belong to the default codec
		p = fingerprint.Params{Codec: codec, BitrateKbps: defaults.BitrateKbps}
	}
	if flags.Changed("bitrate") {
		p.BitrateKbps = f.bitrate
	}
	if flags.Changed("sample-rate") {
		p.SampleRateHz = f.sampleRate
	}
	if flags.Changed("channels") {
		p.Channels = f.channels
	}
	return p.Normalize()
}
