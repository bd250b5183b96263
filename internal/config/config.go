// Package config holds the typed configuration for both binaries, loaded
// from config.yaml with environment overrides.
package config

import (
	"time"

	pkgconfig "github.com/Maelsh/dueli-opus-sub002/pkg/config"
)

// Server is the duel server configuration.
type Server struct {
	HTTP    HTTPConfig
	Auth    AuthConfig
	Redis   RedisConfig
	ICE     ICEConfig
	Media   MediaConfig
	Log     LogConfig
	Signals SignalsConfig
}

type HTTPConfig struct {
	Host         string
	Port         int
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type AuthConfig struct {
	// SessionSecret signs and verifies session tokens.
	SessionSecret string `mapstructure:"session_secret"`
}

type RedisConfig struct {
	// Addr enables redis-backed room and chunk key state. Empty keeps
	// everything in process memory.
	Addr     string
	Password string
	DB       int
}

type ICEConfig struct {
	STUNURLs      []string      `mapstructure:"stun_urls"`
	TURNURL       string        `mapstructure:"turn_url"`
	TURNSecret    string        `mapstructure:"turn_secret"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
}

type MediaConfig struct {
	// Origins may call the chunk key verify and revoke endpoints.
	Origins []string
	// ChunkKeyTTL bounds how long an issued key stays valid.
	ChunkKeyTTL time.Duration `mapstructure:"chunk_key_ttl"`
}

type LogConfig struct {
	Level string
}

type SignalsConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
}

// LoadServer reads the duel server configuration.
func LoadServer() (*Server, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allow_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("ice.credential_ttl", 24*time.Hour)
	v.SetDefault("media.chunk_key_ttl", 24*time.Hour)
	v.SetDefault("signals.ping_interval", 30*time.Second)
	v.SetDefault("signals.pong_wait", 60*time.Second)

	v.BindEnv("http.port", "PORT")
	v.BindEnv("auth.session_secret", "SESSION_SECRET")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("ice.turn_url", "TURN_URL")
	v.BindEnv("ice.turn_secret", "TURN_SECRET")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Peer is the duel peer (participant client) configuration.
type Peer struct {
	// ServerURL is the duel server base URL.
	ServerURL string `mapstructure:"server_url"`
	// MediaURL receives chunk uploads.
	MediaURL string `mapstructure:"media_url"`
	// SessionToken authenticates this participant.
	SessionToken string `mapstructure:"session_token"`
	// CompetitionID names the duel to join.
	CompetitionID string `mapstructure:"competition_id"`
	// SpoolDir, when set, uploads chunks produced by an external encoder
	// instead of the built-in segmenter.
	SpoolDir string `mapstructure:"spool_dir"`
	Log      LogConfig
}

// LoadPeer reads the duel peer configuration.
func LoadPeer() (*Peer, error) {
	v, err := pkgconfig.Load("./config", "peer")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("log.level", "info")

	v.BindEnv("server_url", "DUEL_SERVER_URL")
	v.BindEnv("media_url", "DUEL_MEDIA_URL")
	v.BindEnv("session_token", "DUEL_SESSION_TOKEN")
	v.BindEnv("competition_id", "DUEL_COMPETITION_ID")

	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
