// Package config defines Connection's tunables: origin, event callback,
// handshake-tolerance flags, window sizes, and the retransmission
// timing knobs this implementation resolves as configurable rather
// than hard-coded constants. It is loadable from a TOML file and can
// be hot-reloaded when the caller watches it on disk.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Event is one of the closed set of events the connection's callback
// may be invoked with.
type Event int

const (
	EventNewStreamData Event = iota
	EventStreamReset
	EventAcceptNewConnection
	EventCloseConnection
	EventError
	EventIO
)

func (e Event) String() string {
	switch e {
	case EventNewStreamData:
		return "NewStreamData"
	case EventStreamReset:
		return "StreamReset"
	case EventAcceptNewConnection:
		return "AcceptNewConnection"
	case EventCloseConnection:
		return "CloseConnection"
	case EventError:
		return "Error"
	case EventIO:
		return "IO"
	default:
		return "Unknown"
	}
}

// EventCallback is invoked synchronously from within IO, Read, and
// Supply with the event kind, the stream ID it concerns (0 when not
// stream-specific), and the opaque closure supplied at construction.
// Handlers must not recursively re-enter the same connection.
type EventCallback func(event Event, streamID uint32, closure interface{})

// Config carries every tunable a Connection needs, loaded once at
// construction. Fields mirror the upward-facing configuration surface,
// plus the ambient retransmission and logging knobs this implementation
// adds.
type Config struct {
	OriginHost string `toml:"origin-host"`
	OriginPort int    `toml:"origin-port"`

	Callback EventCallback  `toml:"-"`
	Closure  interface{}    `toml:"-"`

	StatelessResetKey [16]byte `toml:"-"`

	GreaseVersionNegotiation  bool `toml:"grease-version-negotiation"`
	IgnorePKI                 bool `toml:"ignore-pki"`
	TolerateBadALPN           bool `toml:"tolerate-bad-alpn"`
	TolerateNoTransportParams bool `toml:"tolerate-no-transport-params"`
	SabotageVN                bool `toml:"sabotage-vn"`
	ForceAddressValidation    bool `toml:"force-address-validation"`

	StreamWindow  uint64 `toml:"stream-window"`
	ConnWindowKB  uint64 `toml:"conn-window-kb"`

	AppHandlesSendRecv bool `toml:"app-handles-send-recv"`
	AppHandlesLogging  bool `toml:"app-handles-logging"`

	MaxDatagram int `toml:"max-datagram"`

	RetransmitThreshold     time.Duration `toml:"-"`
	ForgetUnackedThreshold  time.Duration `toml:"-"`
	RetransmitThresholdMS   int64         `toml:"retransmit-threshold-ms"`
	ForgetUnackedThresholdMS int64        `toml:"forget-unacked-threshold-ms"`

	LogLevel string `toml:"log-level"`
}

// Defaults matching spec's suggested retransmission timing and a
// conservative MTU-sized datagram budget.
const (
	DefaultRetransmitThreshold    = 500 * time.Millisecond
	DefaultForgetUnackedThreshold = 10 * time.Second
	DefaultMaxDatagram            = 1200
	DefaultStreamWindow           = 64 * 1024
	DefaultConnWindowKB           = 256
)

// New returns a Config populated with this implementation's defaults;
// callers typically override OriginHost/OriginPort/Callback and pass
// the result to pkg/conn.NewConnection.
func New() *Config {
	return &Config{
		StreamWindow:           DefaultStreamWindow,
		ConnWindowKB:           DefaultConnWindowKB,
		MaxDatagram:            DefaultMaxDatagram,
		RetransmitThreshold:    DefaultRetransmitThreshold,
		ForgetUnackedThreshold: DefaultForgetUnackedThreshold,
	}
}

// LoadFile decodes a TOML configuration file into a new Config seeded
// with New's defaults, following cmd/dtnd's toml.DecodeFile pattern.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	cfg.resolveDurations()
	return cfg, nil
}

// resolveDurations copies the millisecond TOML fields into the
// time.Duration fields actually consumed by pkg/flusher, applying
// defaults when the file left them unset.
func (c *Config) resolveDurations() {
	if c.RetransmitThresholdMS > 0 {
		c.RetransmitThreshold = time.Duration(c.RetransmitThresholdMS) * time.Millisecond
	} else if c.RetransmitThreshold == 0 {
		c.RetransmitThreshold = DefaultRetransmitThreshold
	}
	if c.ForgetUnackedThresholdMS > 0 {
		c.ForgetUnackedThreshold = time.Duration(c.ForgetUnackedThresholdMS) * time.Millisecond
	} else if c.ForgetUnackedThreshold == 0 {
		c.ForgetUnackedThreshold = DefaultForgetUnackedThreshold
	}
	if c.MaxDatagram == 0 {
		c.MaxDatagram = DefaultMaxDatagram
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = DefaultStreamWindow
	}
	if c.ConnWindowKB == 0 {
		c.ConnWindowKB = DefaultConnWindowKB
	}
}

// WatchFile watches path for changes and invokes onChange with the
// freshly reloaded Config whenever it is rewritten, until stop is
// closed. Parse errors are logged and the previous Config is kept in
// effect; this mirrors the teacher's use of fsnotify for CLA
// reconfiguration rather than requiring a process restart.
func WatchFile(path string, stop <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watching %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					log.WithFields(log.Fields{"path": path, "error": err}).
						Warn("config: reload failed, keeping previous configuration")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithField("error", err).Warn("config: watcher error")
			}
		}
	}()
	return nil
}
