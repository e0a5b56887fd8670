package duplexws

import (
	"time"

	"github.com/duplexws/duplexws/options"
)

type (
	connOptions struct {
		// FrameSizeLimit bounds a single inbound frame payload,
		// MessageSizeLimit the reassembled message.
		FrameSizeLimit   options.IntOption
		MessageSizeLimit options.IntOption
		// FrameSplitThreshold fragments larger outbound payloads.
		FrameSplitThreshold options.IntOption
		// StreamThreshold is how many bytes buffer up before a partial
		// chunk is emitted to a message body or flushed by Stream.
		StreamThreshold options.IntOption

		Heartbeat       options.BoolOption
		HeartbeatPeriod options.TimeDurationOption
		// QueuedPingLimit is the number of unanswered pings tolerated
		// before the connection is closed for policy violation.
		QueuedPingLimit options.IntOption

		// ClosePeriod bounds the wait for the peer's CLOSE echo.
		ClosePeriod options.TimeDurationOption

		// Per-connection inbound throttles; zero disables.
		FramesPerSecond options.IntOption
		BytesPerSecond  options.IntOption

		ValidateUTF8 options.BoolOption
		TextOnly     options.BoolOption
		// StrictCloseCodes keeps the RFC-aligned valid close-code ranges;
		// disable to admit the legacy 1014-1016 and 2000-2999 bands.
		StrictCloseCodes options.BoolOption

		RecvQueueSize options.Uint16Option
	}
)

// Options for connections, snapshotted once at construction.
var Options = connOptions{
	FrameSizeLimit:      options.NewIntOption(1 << 20),
	MessageSizeLimit:    options.NewIntOption(4 << 20),
	FrameSplitThreshold: options.NewIntOption(128 << 10),
	StreamThreshold:     options.NewIntOption(16 << 10),
	Heartbeat:           options.NewBoolOption(true),
	HeartbeatPeriod:     options.NewTimeDurationOption(30 * time.Second),
	QueuedPingLimit:     options.NewIntOption(4),
	ClosePeriod:         options.NewTimeDurationOption(5 * time.Second),
	FramesPerSecond:     options.NewIntOption(0),
	BytesPerSecond:      options.NewIntOption(0),
	ValidateUTF8:        options.NewBoolOption(true),
	TextOnly:            options.NewBoolOption(false),
	StrictCloseCodes:    options.NewBoolOption(true),
	RecvQueueSize:       options.NewUint16Option(8),
}

// config is a connection's immutable snapshot of its option values.
type config struct {
	frameSizeLimit      int
	messageSizeLimit    int
	frameSplitThreshold int
	streamThreshold     int
	heartbeat           bool
	heartbeatPeriod     time.Duration
	queuedPingLimit     int
	closePeriod         time.Duration
	framesPerSecond     int
	bytesPerSecond      int
	validateUTF8        bool
	textOnly            bool
	strictCloseCodes    bool
	recvQueueSize       uint16
}

func newConfig(ovs options.Options) config {
	return config{
		frameSizeLimit:      Options.FrameSizeLimit.ValueFrom(ovs),
		messageSizeLimit:    Options.MessageSizeLimit.ValueFrom(ovs),
		frameSplitThreshold: Options.FrameSplitThreshold.ValueFrom(ovs),
		streamThreshold:     Options.StreamThreshold.ValueFrom(ovs),
		heartbeat:           Options.Heartbeat.ValueFrom(ovs),
		heartbeatPeriod:     Options.HeartbeatPeriod.ValueFrom(ovs),
		queuedPingLimit:     Options.QueuedPingLimit.ValueFrom(ovs),
		closePeriod:         Options.ClosePeriod.ValueFrom(ovs),
		framesPerSecond:     Options.FramesPerSecond.ValueFrom(ovs),
		bytesPerSecond:      Options.BytesPerSecond.ValueFrom(ovs),
		validateUTF8:        Options.ValidateUTF8.ValueFrom(ovs),
		textOnly:            Options.TextOnly.ValueFrom(ovs),
		strictCloseCodes:    Options.StrictCloseCodes.ValueFrom(ovs),
		recvQueueSize:       Options.RecvQueueSize.ValueFrom(ovs),
	}
}
