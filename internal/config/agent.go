package config

// Agent holds configuration for a single signed-in call agent.
type Agent struct {
	// Identity of the local user
	UserID      string `env:"USER_ID,required"`
	DisplayName string `env:"DISPLAY_NAME" envDefault:""`

	// Session store (SQLite file shared by all agents on the host)
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/ringline.db"`

	// Redis configuration (signaling channel + identity cache)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Topic naming for per-user signaling channels
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"call_signals_"`

	// Identity cache TTL in seconds
	IdentityCacheTTL int `env:"IDENTITY_CACHE_TTL" envDefault:"300"`

	// Debug
	Verbose bool `env:"VERBOSE" envDefault:"false"`
}
