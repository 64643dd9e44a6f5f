package main

import "time"

// mpv JSON IPC property names this controller observes.
const (
	propVolume = "volume"
	propMute   = "mute"
)

// Observe ids sent with observe_property. Each reader owns its own
// connection, so ids only need to be unique per connection.
const (
	observeIDVolume = 1
	observeIDMute   = 2
)

const eventPropertyChange = "property-change"

// Instance reader timing
const (
	defaultPollIntervalMS = 1000 // socket existence poll while waiting for mpv
	defaultRetryBackoffMS = 1000 // fixed delay after any connection failure
	defaultReadTimeoutMS  = 1000 // bounded read so shutdown is observed promptly
	readBufSize           = 1024
)

// Command sender timing
const (
	defaultCommandTimeoutMS = 1000
)

// Display defaults (128x64 panel, 21 px font, three lines)
const (
	defaultMaxFPS   = 30
	defaultFontSize = 21
	defaultContrast = 127
	defaultDisplayW = 128
	defaultDisplayH = 64
)

// Encoder defaults
const (
	defaultGPIOChip          = "gpiochip0"
	defaultEncoderStep       = 1
	defaultButtonDebounceMS  = 250
	defaultVelocityWindowMS  = 200
	defaultVelocityThreshold = 3
	defaultVelocityMult      = 1 // 1 disables velocity scaling
)

// Display text
const (
	muteMarkLeft     = "- "
	muteMarkRight    = " -"
	deadLineText     = "- Dead -"
	unknownVolumeTxt = "???"
)

// State fan-out (websocket + MQTT) polling cadence.
const stateObserveInterval = 50 * time.Millisecond
