package probe

import "time"

// Settings configures the standard probe sequence. Zero fields take the
// probe defaults.
type Settings struct {
	ReachAddr string        `yaml:"reach_addr" json:"reach_addr,omitempty" envconfig:"REACH_ADDR"`
	ReachTLS  bool          `yaml:"reach_tls" json:"reach_tls,omitempty" envconfig:"REACH_TLS"`
	ReachWait time.Duration `yaml:"reach_timeout" json:"reach_timeout,omitempty" envconfig:"REACH_TIMEOUT"`

	RoundTripURL  string        `yaml:"roundtrip_url" json:"roundtrip_url,omitempty" envconfig:"ROUNDTRIP_URL"`
	ExpectStatus  []int         `yaml:"expect_status" json:"expect_status,omitempty" envconfig:"EXPECT_STATUS"`
	RoundTripWait time.Duration `yaml:"roundtrip_timeout" json:"roundtrip_timeout,omitempty" envconfig:"ROUNDTRIP_TIMEOUT"`

	ThroughputURL  string        `yaml:"throughput_url" json:"throughput_url,omitempty" envconfig:"THROUGHPUT_URL"`
	MaxBytes       int64         `yaml:"max_bytes" json:"max_bytes,omitempty" envconfig:"MAX_BYTES"`
	Window         time.Duration `yaml:"window" json:"window,omitempty" envconfig:"WINDOW"`
	MinBytesPerSec float64       `yaml:"min_bytes_per_sec" json:"min_bytes_per_sec,omitempty" envconfig:"MIN_BYTES_PER_SEC"`
	ThroughputWait time.Duration `yaml:"throughput_timeout" json:"throughput_timeout,omitempty" envconfig:"THROUGHPUT_TIMEOUT"`

	// SkipThroughput drops the throughput probe from the sequence.
	SkipThroughput bool `yaml:"skip_throughput" json:"skip_throughput,omitempty" envconfig:"SKIP_THROUGHPUT"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		ReachAddr:      DefaultReachAddr,
		ReachTLS:       true,
		ReachWait:      DefaultReachTimeout,
		RoundTripURL:   DefaultRoundTripURL,
		RoundTripWait:  DefaultRoundTripTimeout,
		ThroughputURL:  DefaultThroughputURL,
		MaxBytes:       DefaultMaxBytes,
		Window:         DefaultWindow,
		MinBytesPerSec: DefaultMinBytesPerSec,
		ThroughputWait: DefaultThroughputTimeout,
	}
}

// Standard returns reachability, round trip and throughput probes, in
// that order.
func Standard(s Settings) []Probe {
	probes := []Probe{
		&Reachability{Addr: s.ReachAddr, TLS: s.ReachTLS, Limit: s.ReachWait},
		&RoundTrip{URL: s.RoundTripURL, ExpectStatus: s.ExpectStatus, Limit: s.RoundTripWait},
	}
	if !s.SkipThroughput {
		probes = append(probes, &Throughput{
			URL:            s.ThroughputURL,
			MaxBytes:       s.MaxBytes,
			Window:         s.Window,
			MinBytesPerSec: s.MinBytesPerSec,
			Limit:          s.ThroughputWait,
		})
	}
	return probes
}
