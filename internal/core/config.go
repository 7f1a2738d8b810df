package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// game server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	GameServer struct {
		// Port on which the game server accepts HTTP and websocket clients.
		Port int `mapstructure:"port"`
		// Length of one heartbeat tick in milliseconds.
		TickMS int `mapstructure:"tick_ms"`
		// Multiplier applied to the tick length (2 halves the heartbeat rate).
		HeartbeatFrequency int `mapstructure:"heartbeat_frequency"`
		// Number of ticks without contact before a client is dropped. 0 disables the timeout.
		ClientTimeoutTicks int `mapstructure:"client_timeout_ticks"`
		// Silence in milliseconds after which a player is reported as disconnected.
		DisconnectThresholdMS int `mapstructure:"disconnect_threshold_ms"`
		// Responses larger than this many bytes are compressed for clients accepting deflate.
		CompressionThreshold int `mapstructure:"compression_threshold"`
	} `mapstructure:"game_server"`

	MatchmakingServer struct {
		// Port on which the matchmaking server listens.
		Port int `mapstructure:"port"`
		// First port (inclusive) of the pool handed out to spawned game servers.
		MinGamePort int `mapstructure:"min_game_port"`
		// Last port (exclusive) of the pool handed out to spawned game servers.
		MaxGamePort int `mapstructure:"max_game_port"`
		// Path to the tbs_server executable spawned for each match.
		ServerBinary string `mapstructure:"server_binary"`
		// Seconds without contact before a matchmaking session expires.
		SessionTimeoutSeconds int `mapstructure:"session_timeout_seconds"`
		// The matching function runs once every this many heartbeats.
		MatchEveryTicks int `mapstructure:"match_every_ticks"`
	} `mapstructure:"matchmaking_server"`

	Database struct {
		// Storage engine for accounts and sessions: memory, sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// SQLite database file, used when engine is sqlite.
		Filename string `mapstructure:"filename"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		Enabled bool `mapstructure:"enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log every message received and sent.
		MessageLoggingEnabled bool `mapstructure:"message_logging_enabled"`
		//  Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "TBS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "localhost")
	v.SetDefault("log_level", "info")
	v.SetDefault("game_server.port", 23456)
	v.SetDefault("game_server.tick_ms", 20)
	v.SetDefault("game_server.heartbeat_frequency", 1)
	v.SetDefault("game_server.client_timeout_ticks", 0)
	v.SetDefault("game_server.disconnect_threshold_ms", 10000)
	v.SetDefault("game_server.compression_threshold", 1024)
	v.SetDefault("matchmaking_server.port", 23455)
	v.SetDefault("matchmaking_server.min_game_port", 23500)
	v.SetDefault("matchmaking_server.max_game_port", 23600)
	v.SetDefault("matchmaking_server.server_binary", "tbs_server")
	v.SetDefault("matchmaking_server.session_timeout_seconds", 300)
	v.SetDefault("matchmaking_server.match_every_ticks", 50)
	v.SetDefault("database.engine", "memory")
	v.SetDefault("database.filename", "tbs.db")
	v.SetDefault("debugging.pprof_port", 6060)
}

// LoadConfig reads config.yaml from configPath (if there is one), applies
// TBS_* environment overrides and any flags bound from the command line.
func LoadConfig(configPath string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: TBS_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	// Flags that were explicitly passed take precedence over everything else.
	for key, flagName := range bindings {
		if flags == nil {
			break
		}
		f := flags.Lookup(flagName)
		if f == nil {
			return nil, fmt.Errorf("no flag named %s to bind to %s", flagName, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("error binding flag %s: %w", flagName, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// TickDuration is the wall-clock length of one heartbeat.
func (c *Config) TickDuration() time.Duration {
	freq := c.GameServer.HeartbeatFrequency
	if freq < 1 {
		freq = 1
	}
	ms := c.GameServer.TickMS
	if ms < 1 {
		ms = 20
	}
	return time.Duration(ms*freq) * time.Millisecond
}

// GameServerAddress returns the address the game server binds to.
func (c *Config) GameServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.GameServer.Port)
}

// MatchmakingAddress returns the address the matchmaking server binds to.
func (c *Config) MatchmakingAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.MatchmakingServer.Port)
}
