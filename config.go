package whep

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
)

// DefaultHealthInterval is the /health/ws push period.
const DefaultHealthInterval = 2 * time.Second

// Config is the complete server configuration.
type Config struct {
	// Initial source selection. All empty means synthetic video until a
	// source is selected over HTTP.
	SourceName  string // Case-insensitive substring
	SourceExact string // Exact name
	SourceURL   string // Direct endpoint

	Discovery         DiscoveryBackend
	DiscoveryInterval time.Duration // Cache refresh (floor 100ms)

	CaptureTimeout time.Duration
	StopTimeout    time.Duration

	// Capture normalization
	OutputFormat    PixelFormat // Format of captured frames (default I420)
	OutputWidth     int         // Internal resize when both are > 0
	OutputHeight    int
	RGBOrder        ChannelOrder
	YUVOrder        YUVOrder
	DefaultYUVOrder YUVOrder
	SwapUV          bool
	RecvColor       RecvColorFormat
	ReceiverName    string

	// Outbound video
	PreferredCodec VideoCodec
	MaxBitrate     int     // bps, 0 = encoder default
	MaxFPS         int     // 0 = source rate
	ScaleDownBy    float64 // <= 1 = none

	// Transport
	ICEServers      []string
	IncludeLoopback bool
	GatherTimeout   time.Duration
	ConnectTimeout  time.Duration
	CloseTimeout    time.Duration

	StatsLog       bool
	StatsInterval  time.Duration
	HealthInterval time.Duration

	// Synthetic video, also used as the NDI fallback
	Synthetic TestPatternConfig
	Fallback  bool

	// Runtime provides NDI receivers. Nil loads the NDI SDK unless
	// DisableNDI is set.
	Runtime    Runtime
	DisableNDI bool

	// Encoders overrides the registered VP8/VP9 encoders.
	Encoders EncoderFactory

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Discovery:         DiscoveryAuto,
		DiscoveryInterval: DefaultDiscoveryInterval,
		CaptureTimeout:    DefaultCaptureTimeout,
		StopTimeout:       DefaultStopTimeout,
		OutputFormat:      PixelFormatI420,
		RecvColor:         RecvColorUYVYBGRA,
		ReceiverName:      "whep",
		PreferredCodec:    VideoCodecVP8,
		GatherTimeout:     DefaultGatherTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		CloseTimeout:      DefaultCloseTimeout,
		StatsInterval:     DefaultStatsInterval,
		HealthInterval:    DefaultHealthInterval,
		Synthetic:         DefaultTestPatternConfig(),
		Fallback:          true,
	}
}

// Validate normalizes c in place and rejects values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.DiscoveryInterval < MinDiscoveryInterval {
		c.DiscoveryInterval = MinDiscoveryInterval
	}
	switch c.Discovery {
	case "":
		c.Discovery = DiscoveryAuto
	case DiscoveryAuto, DiscoveryNative, DiscoveryMDNS:
	default:
		errs = append(errs, fmt.Errorf("unknown discovery backend %q", c.Discovery))
	}

	if c.OutputWidth < 0 || c.OutputHeight < 0 {
		errs = append(errs, fmt.Errorf("invalid output size %dx%d", c.OutputWidth, c.OutputHeight))
	}
	if (c.OutputWidth > 0) != (c.OutputHeight > 0) {
		errs = append(errs, errors.New("output width and height must be set together"))
	}

	switch c.PreferredCodec {
	case VideoCodecUnknown:
		c.PreferredCodec = VideoCodecVP8
	case VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1:
	default:
		errs = append(errs, fmt.Errorf("invalid preferred codec %d", c.PreferredCodec))
	}
	if c.MaxBitrate < 0 {
		errs = append(errs, fmt.Errorf("invalid max bitrate %d", c.MaxBitrate))
	}
	if c.MaxFPS < 0 {
		errs = append(errs, fmt.Errorf("invalid max fps %d", c.MaxFPS))
	}
	if c.ScaleDownBy < 0 {
		errs = append(errs, fmt.Errorf("invalid scale-down factor %g", c.ScaleDownBy))
	}

	if c.Synthetic.Width < 0 || c.Synthetic.Height < 0 || c.Synthetic.FPS < 0 {
		errs = append(errs, fmt.Errorf("invalid synthetic video %dx%d@%d",
			c.Synthetic.Width, c.Synthetic.Height, c.Synthetic.FPS))
	}

	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.ReceiverName == "" {
		c.ReceiverName = "whep"
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return errors.Join(errs...)
}

// InitialSelection returns the selection configured at startup.
func (c *Config) InitialSelection() Selection {
	return Selection{Name: c.SourceName, Exact: c.SourceExact, URL: c.SourceURL}
}

func (c *Config) bridgeConfig(cache *SourceDiscoveryCache) BridgeConfig {
	cfg := BridgeConfig{
		Converter: ConverterConfig{
			RGBOrder:        c.RGBOrder,
			YUVOrder:        c.YUVOrder,
			DefaultYUVOrder: c.DefaultYUVOrder,
			SwapUV:          c.SwapUV,
			Output:          c.OutputFormat,
		},
		OutputWidth:    c.OutputWidth,
		OutputHeight:   c.OutputHeight,
		ColorFormat:    c.RecvColor,
		ReceiverName:   c.ReceiverName,
		CaptureTimeout: c.CaptureTimeout,
		StopTimeout:    c.StopTimeout,
		Cache:          cache,
		LoggerFactory:  c.LoggerFactory,
	}
	return cfg
}

func (c *Config) sessionManagerConfig(sources *SourceFactory) SessionManagerConfig {
	cfg := SessionManagerConfig{
		Sources:         sources,
		Encoders:        c.Encoders,
		PreferredCodec:  c.PreferredCodec,
		MaxBitrate:      c.MaxBitrate,
		MaxFPS:          c.MaxFPS,
		ScaleDownBy:     c.ScaleDownBy,
		ICEServers:      c.ICEServers,
		IncludeLoopback: c.IncludeLoopback,
		GatherTimeout:   c.GatherTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		CloseTimeout:    c.CloseTimeout,
		LoggerFactory:   c.LoggerFactory,
	}
	if c.StatsLog {
		cfg.StatsInterval = c.StatsInterval
	}
	return cfg
}
