package whep

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Discovery != DiscoveryAuto || cfg.PreferredCodec != VideoCodecVP8 || cfg.OutputFormat != PixelFormatI420 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Fallback || cfg.LoggerFactory == nil {
		t.Error("fallback and logger factory should be set")
	}
	if !cfg.InitialSelection().IsZero() {
		t.Error("default selection should be empty")
	}
}

func TestConfig_ValidateNormalizes(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Discovery != DiscoveryAuto {
		t.Errorf("Discovery = %q", cfg.Discovery)
	}
	if cfg.DiscoveryInterval != DefaultDiscoveryInterval {
		t.Errorf("DiscoveryInterval = %v", cfg.DiscoveryInterval)
	}
	if cfg.PreferredCodec != VideoCodecVP8 || cfg.ReceiverName != "whep" {
		t.Errorf("codec=%s receiver=%q", cfg.PreferredCodec, cfg.ReceiverName)
	}
	if cfg.HealthInterval != DefaultHealthInterval || cfg.StatsInterval != DefaultStatsInterval {
		t.Errorf("health=%v stats=%v", cfg.HealthInterval, cfg.StatsInterval)
	}

	cfg = Config{DiscoveryInterval: 10 * time.Millisecond}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.DiscoveryInterval != MinDiscoveryInterval {
		t.Errorf("DiscoveryInterval = %v, want the floor", cfg.DiscoveryInterval)
	}
}

func TestConfig_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"discovery", func(c *Config) { c.Discovery = "bonjour" }, []string{`unknown discovery backend "bonjour"`}},
		{"half size", func(c *Config) { c.OutputWidth = 640 }, []string{"set together"}},
		{"negative size", func(c *Config) { c.OutputWidth, c.OutputHeight = -1, -1 }, []string{"invalid output size"}},
		{"codec", func(c *Config) { c.PreferredCodec = VideoCodec(42) }, []string{"invalid preferred codec"}},
		{"synthetic", func(c *Config) { c.Synthetic.FPS = -5 }, []string{"invalid synthetic video"}},
		{"several", func(c *Config) {
			c.MaxBitrate = -1
			c.MaxFPS = -1
			c.ScaleDownBy = -2
		}, []string{"max bitrate", "max fps", "scale-down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestConfig_InitialSelection(t *testing.T) {
	cfg := Config{SourceName: "cam", SourceExact: "HOST (Cam)", SourceURL: "10.0.0.1:5961"}
	want := Selection{Name: "cam", Exact: "HOST (Cam)", URL: "10.0.0.1:5961"}
	if got := cfg.InitialSelection(); got != want {
		t.Errorf("InitialSelection() = %+v", got)
	}
}

func TestConfig_DerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputWidth, cfg.OutputHeight = 1280, 720
	cfg.SwapUV = true
	cfg.MaxBitrate = 2_000_000
	cfg.StatsInterval = 3 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	bc := cfg.bridgeConfig(nil)
	if bc.OutputWidth != 1280 || bc.OutputHeight != 720 || !bc.Converter.SwapUV {
		t.Errorf("bridge config = %+v", bc)
	}
	if bc.Converter.Output != PixelFormatI420 || bc.ReceiverName != "whep" {
		t.Errorf("converter output=%s receiver=%q", bc.Converter.Output, bc.ReceiverName)
	}

	sources := &SourceFactory{}
	mc := cfg.sessionManagerConfig(sources)
	if mc.Sources != sources || mc.MaxBitrate != 2_000_000 {
		t.Errorf("session manager config = %+v", mc)
	}
	if mc.StatsInterval != 0 {
		t.Error("stats sampling enabled without StatsLog")
	}
	cfg.StatsLog = true
	if mc := cfg.sessionManagerConfig(sources); mc.StatsInterval != 3*time.Second {
		t.Errorf("StatsInterval = %v", mc.StatsInterval)
	}
}
