package heap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

// Config carries heapsentry's tunables, built with the functional-options
// pattern: DefaultConfig plus a chain of With* Options.
type Config struct {
	// Redzone is the per-chunk poison region width: a power of two, at
	// least 8 bytes (the shadow granule) and large enough to host the
	// free-stack overlay written into a freed chunk.
	Redzone uintptr

	// QuarantineBytes bounds the global quarantine's total size; the
	// oldest chunks are evicted back to a free list once it is exceeded.
	QuarantineBytes uintptr

	// MaxThreadLocalQuarantine is the soft per-thread bound before a
	// thread's quarantine is flushed into the global one.
	MaxThreadLocalQuarantine uintptr

	// LargeAllocationLimit aborts allocation before rounding if the
	// requested size would exceed it.
	LargeAllocationLimit uintptr

	// MaxSizeForThreadLocalFreeList is the size-class ceiling at or above
	// which allocation always goes through the global free list.
	MaxSizeForThreadLocalFreeList uintptr

	// ThreadLocalRefillChunks batches this many chunks per global-lock
	// acquisition when refilling a thread-local free list.
	ThreadLocalRefillChunks int

	// MinMmapSize is the minimum granularity of a single page-mapping
	// request.
	MinMmapSize uintptr

	// MaxAvailableRAM bounds the PageGroup registry's capacity.
	MaxAvailableRAM uintptr

	EnableStatistics bool
	EnableDebug      bool
}

// Option mutates a Config during construction.
type Option func(*Config)

// DefaultConfig returns heapsentry's baseline tunables.
func DefaultConfig() *Config {
	return &Config{
		Redzone:                       16,
		QuarantineBytes:               256 << 20, // 256 MiB
		MaxThreadLocalQuarantine:      1 << 20,   // 1 MiB
		LargeAllocationLimit:          1 << 30,   // 1 GiB
		MaxSizeForThreadLocalFreeList: 1 << 16,   // 64 KiB
		ThreadLocalRefillChunks:       8,
		MinMmapSize:                   256 << 10, // 256 KiB
		MaxAvailableRAM:               32 << 30,  // 32 GiB
		EnableStatistics:              false,
		EnableDebug:                   false,
	}
}

// WithRedzone overrides REDZONE.
func WithRedzone(n uintptr) Option { return func(c *Config) { c.Redzone = n } }

// WithQuarantineBytes overrides the global quarantine bound.
func WithQuarantineBytes(n uintptr) Option { return func(c *Config) { c.QuarantineBytes = n } }

// WithMaxThreadLocalQuarantine overrides the thread-local flush threshold.
func WithMaxThreadLocalQuarantine(n uintptr) Option {
	return func(c *Config) { c.MaxThreadLocalQuarantine = n }
}

// WithLargeAllocationLimit overrides the single-allocation cap.
func WithLargeAllocationLimit(n uintptr) Option {
	return func(c *Config) { c.LargeAllocationLimit = n }
}

// WithMinMmapSize overrides the PageProvider request granularity.
func WithMinMmapSize(n uintptr) Option { return func(c *Config) { c.MinMmapSize = n } }

// WithStatistics toggles statistics collection.
func WithStatistics(enabled bool) Option { return func(c *Config) { c.EnableStatistics = enabled } }

// WithDebug toggles verbose diagnostics.
func WithDebug(enabled bool) Option { return func(c *Config) { c.EnableDebug = enabled } }

// New builds a Config from DefaultConfig plus options and validates it.
func New(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) validate() error {
	if !isPowerOfTwo(c.Redzone) {
		return fmt.Errorf("heap: REDZONE must be a power of two, got %d", c.Redzone)
	}

	if c.Redzone < ShadowGranule {
		return fmt.Errorf("heap: REDZONE must be >= shadow granularity (%d), got %d", ShadowGranule, c.Redzone)
	}

	if c.Redzone < freeStackWords*8 {
		return fmt.Errorf("heap: REDZONE must be >= %d bytes to host the free-stack overlay, got %d", freeStackWords*8, c.Redzone)
	}

	if c.MinMmapSize == 0 || c.MinMmapSize%pageSize != 0 {
		return fmt.Errorf("heap: MinMmapSize must be a non-zero multiple of the page size (%d), got %d", pageSize, c.MinMmapSize)
	}

	if c.MaxAvailableRAM == 0 {
		return fmt.Errorf("heap: MaxAvailableRAM must be non-zero")
	}

	return nil
}

// maxPageGroups derives the PageGroup registry capacity from
// MaxAvailableRAM / MinMmapSize.
func (c *Config) maxPageGroups() int {
	n := c.MaxAvailableRAM / c.MinMmapSize
	if n == 0 {
		n = 1
	}

	return int(n)
}

// configFile is the on-disk JSON shape LoadConfigFile reads. Neither
// command under cmd/ calls LoadConfigFile; both build their Config in code.
type configFile struct {
	SchemaVersion string `json:"schema_version"`

	Redzone                  uintptr `json:"redzone"`
	QuarantineBytes          uintptr `json:"quarantine_bytes"`
	MaxThreadLocalQuarantine uintptr `json:"max_thread_local_quarantine"`
	LargeAllocationLimit     uintptr `json:"large_allocation_limit"`
	MinMmapSize              uintptr `json:"min_mmap_size"`
	EnableStatistics         bool    `json:"enable_statistics"`
	EnableDebug              bool    `json:"enable_debug"`
}

// supportedSchemaConstraint is the semver range of config schema versions
// this build understands.
var supportedSchemaConstraint = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}

	return c
}

// LoadConfigFile reads a JSON config document, validates its declared
// schema_version against supportedSchemaConstraint, and returns the
// resulting Config.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("heap: reading config file: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("heap: parsing config file: %w", err)
	}

	v, err := semver.NewVersion(cf.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("heap: invalid schema_version %q: %w", cf.SchemaVersion, err)
	}

	if !supportedSchemaConstraint.Check(v) {
		return nil, fmt.Errorf("heap: config schema_version %s not supported (want %s)", cf.SchemaVersion, supportedSchemaConstraint)
	}

	opts := []Option{
		WithStatistics(cf.EnableStatistics),
		WithDebug(cf.EnableDebug),
	}

	if cf.Redzone != 0 {
		opts = append(opts, WithRedzone(cf.Redzone))
	}

	if cf.QuarantineBytes != 0 {
		opts = append(opts, WithQuarantineBytes(cf.QuarantineBytes))
	}

	if cf.MaxThreadLocalQuarantine != 0 {
		opts = append(opts, WithMaxThreadLocalQuarantine(cf.MaxThreadLocalQuarantine))
	}

	if cf.LargeAllocationLimit != 0 {
		opts = append(opts, WithLargeAllocationLimit(cf.LargeAllocationLimit))
	}

	if cf.MinMmapSize != 0 {
		opts = append(opts, WithMinMmapSize(cf.MinMmapSize))
	}

	return New(opts...)
}
