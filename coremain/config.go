package coremain

import (
	"time"

	"github.com/mxpipe/resolvex/mlog"
	"github.com/mxpipe/resolvex/pkg/mailproto"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Resolver ResolverConfig `yaml:"resolver"`
	API      APIConfig      `yaml:"api"`
}

type ResolverConfig struct {
	// QueueDir is the pipeline spool directory holding the service
	// sockets.
	QueueDir string `yaml:"queue_dir"`

	// ServiceClass and Service name the resolve/rewrite endpoint under
	// QueueDir.
	ServiceClass string `yaml:"service_class"`
	Service      string `yaml:"service"`

	// IdleLimit and TTLLimit bound the shared service connection.
	IdleLimit time.Duration `yaml:"idle_limit"`
	TTLLimit  time.Duration `yaml:"ttl_limit"`

	// RetryInterval is the sleep between failed round trips. A
	// MaxRetryInterval above it enables capped exponential backoff.
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
}

type APIConfig struct {
	// HTTP, if set, serves metrics and pprof on this address while the
	// command runs.
	HTTP string `yaml:"http"`
}

func (c *Config) fillDefaults() {
	r := &c.Resolver
	if len(r.QueueDir) == 0 {
		r.QueueDir = "/var/spool/resolvex"
	}
	if len(r.ServiceClass) == 0 {
		r.ServiceClass = mailproto.ClassPrivate
	}
	if len(r.Service) == 0 {
		r.Service = mailproto.DefaultService
	}
	if r.IdleLimit == 0 {
		r.IdleLimit = 100 * time.Second
	}
	if r.TTLLimit == 0 {
		r.TTLLimit = 1000 * time.Second
	}
}
