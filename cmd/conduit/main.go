// Conduit routes framed media payloads between network connections: each
// input connection feeds one or more logical streams, and every payload is
// fanned out to the output connections mapped to its stream.
//
// The default pipeline accepts a video and an audio stream on listening
// inputs and forwards both to client outputs, mirroring a contribution-
// to-distribution hop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zsiec/conduit/channel"
	_ "github.com/zsiec/conduit/transport/quic"
	_ "github.com/zsiec/conduit/transport/srt"
	_ "github.com/zsiec/conduit/transport/tcp"
	_ "github.com/zsiec/conduit/transport/ws"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	inType := channel.Transport(envOr("IN_TYPE", "tcp"))
	outType := channel.Transport(envOr("OUT_TYPE", "tcp"))
	outHost := envOr("OUT_HOST", "127.0.0.1")

	videoInPort := envPort("VIDEO_IN_PORT", 5000)
	audioInPort := envPort("AUDIO_IN_PORT", 5001)
	videoOutPort := envPort("VIDEO_OUT_PORT", 6000)
	audioOutPort := envPort("AUDIO_OUT_PORT", 6001)

	videoStream := uint16(envInt("VIDEO_STREAM_ID", 100))
	audioStream := uint16(envInt("AUDIO_STREAM_ID", 200))
	disableAudio := os.Getenv("DISABLE_AUDIO") != ""

	workers := envInt("WORKERS", 4)
	bufferCapacity := envInt("BUFFER_CAPACITY", 60)
	inline := os.Getenv("INLINE_HANDLERS") != ""

	slog.Info("conduit starting",
		"version", version,
		"in_type", inType,
		"out_type", outType,
		"workers", workers,
		"inline_handlers", inline,
	)

	ch := channel.New("pipeline", channel.Config{InlineHandlers: inline})

	if err := configure(ch, pipelineConfig{
		inType:         inType,
		outType:        outType,
		outHost:        outHost,
		videoInPort:    videoInPort,
		audioInPort:    audioInPort,
		videoOutPort:   videoOutPort,
		audioOutPort:   audioOutPort,
		videoStream:    videoStream,
		audioStream:    audioStream,
		disableAudio:   disableAudio,
		bufferCapacity: bufferCapacity,
	}); err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	ch.ShowConfiguration(os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	onFatal := func(err error) {
		slog.Error("connection failure", "error", err)
	}

	if err := ch.Start(ctx, onFatal, workers); err != nil {
		slog.Error("channel failed", "error", err)
		os.Exit(1)
	}
}

type pipelineConfig struct {
	inType, outType            channel.Transport
	outHost                    string
	videoInPort, audioInPort   uint16
	videoOutPort, audioOutPort uint16
	videoStream, audioStream   uint16
	disableAudio               bool
	bufferCapacity             int
}

// configure builds the static video+audio pipeline: listening inputs, one
// client output per stream.
func configure(ch *channel.Channel, cfg pipelineConfig) error {
	if _, err := ch.AddInput(cfg.inType, "video_in", "0.0.0.0", cfg.videoInPort, channel.Server, cfg.bufferCapacity); err != nil {
		return err
	}
	if _, err := ch.AddOutput(cfg.outType, "video_out", cfg.outHost, cfg.videoOutPort, channel.Client, cfg.bufferCapacity); err != nil {
		return err
	}
	if _, err := ch.AddVideoStream(cfg.videoStream, 1920, 1080, 2, 30000, 1001); err != nil {
		return err
	}
	if err := ch.MapStream(cfg.videoStream, "video_in"); err != nil {
		return err
	}
	if err := ch.MapStream(cfg.videoStream, "video_out"); err != nil {
		return err
	}

	if !cfg.disableAudio {
		if _, err := ch.AddInput(cfg.inType, "audio_in", "0.0.0.0", cfg.audioInPort, channel.Server, cfg.bufferCapacity); err != nil {
			return err
		}
		if _, err := ch.AddOutput(cfg.outType, "audio_out", cfg.outHost, cfg.audioOutPort, channel.Client, cfg.bufferCapacity); err != nil {
			return err
		}
		if _, err := ch.AddAudioStream(cfg.audioStream, channel.Stereo, 48000, 4, "en"); err != nil {
			return err
		}
		if err := ch.MapStream(cfg.audioStream, "audio_in"); err != nil {
			return err
		}
		if err := ch.MapStream(cfg.audioStream, "audio_out"); err != nil {
			return err
		}
	}

	return ch.ValidateConfiguration()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring invalid value", "var", key, "value", v)
	}
	return fallback
}

func envPort(key string, fallback uint16) uint16 {
	return uint16(envInt(key, int(fallback)))
}
