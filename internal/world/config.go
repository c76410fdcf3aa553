package world

const (
	DefaultSeed   uint64 = 0x5eed
	DefaultWidth  int32  = 64
	DefaultHeight int32  = 64

	// DefaultBudget is the starting budget granted to joining avatars.
	DefaultBudget int64 = 20000
)

// Config describes the lot a new world is built around.
type Config struct {
	Seed     uint64 `json:"seed"`
	Width    int32  `json:"width"`
	Height   int32  `json:"height"`
	UseWorld bool   `json:"useWorld"`
	Budget   int64  `json:"budget"`
}

func (cfg Config) normalized() Config {
	normalized := cfg
	if normalized.Seed == 0 {
		normalized.Seed = DefaultSeed
	}
	if normalized.Width <= 0 {
		normalized.Width = DefaultWidth
	}
	if normalized.Height <= 0 {
		normalized.Height = DefaultHeight
	}
	if normalized.Budget <= 0 {
		normalized.Budget = DefaultBudget
	}
	return normalized
}

func (cfg Config) Normalized() Config {
	return cfg.normalized()
}

func DefaultConfig() Config {
	return Config{
		Seed:     DefaultSeed,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		UseWorld: false,
		Budget:   DefaultBudget,
	}
}
