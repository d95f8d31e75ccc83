package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration, loaded once at bootstrap and passed
// by reference to every component. There is no ambient global.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	TCPAddr    string `mapstructure:"tcp_addr"`
	DBDSN      string `mapstructure:"db_dsn"`
	RedisAddr  string `mapstructure:"redis_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	LogLevel   string `mapstructure:"log_level"`
	// RelayCmd is the media-relay executable. Empty disables live media.
	RelayCmd string `mapstructure:"relay_cmd"`

	Workgroup WorkgroupFlags `mapstructure:"workgroup"`
	Timing    Timing         `mapstructure:"timing"`
}

// WorkgroupFlags are the deployment flags that shape hierarchical chat
// visibility. They compose multiplicatively across history, live broadcast
// and notifications, so every consumer goes through one shared predicate.
type WorkgroupFlags struct {
	SubsHaveSuperView  bool `mapstructure:"subs_have_super_view"`
	SupersHaveSubRoom  bool `mapstructure:"supers_have_sub_room"`
	SupersSubHideSuper bool `mapstructure:"supers_sub_hide_super"`
}

// Timing groups every tunable timeout so tests can shrink them.
type Timing struct {
	PingStep        time.Duration `mapstructure:"ping_step"`
	PingStepTimeout time.Duration `mapstructure:"ping_step_timeout"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	SessionDebounce time.Duration `mapstructure:"session_debounce"`
	RoomEmpty       time.Duration `mapstructure:"room_empty"`
	EditGrace       time.Duration `mapstructure:"edit_grace"`
	Request         time.Duration `mapstructure:"request"`
	LivePing        time.Duration `mapstructure:"live_ping"`
	LivePong        time.Duration `mapstructure:"live_pong"`
	LivePeer        time.Duration `mapstructure:"live_peer"`
	LiveReAddSettle time.Duration `mapstructure:"live_readd_settle"`
}

// DefaultTiming returns the production timing constants.
func DefaultTiming() Timing {
	return Timing{
		PingStep:        2 * time.Second,
		PingStepTimeout: 10 * time.Second,
		SessionTimeout:  60 * time.Second,
		SessionDebounce: 250 * time.Millisecond,
		RoomEmpty:       600 * time.Second,
		EditGrace:       5 * time.Minute,
		Request:         15 * time.Second,
		LivePing:        5 * time.Second,
		LivePong:        2 * time.Second,
		LivePeer:        31 * time.Second,
		LiveReAddSettle: 100 * time.Millisecond,
	}
}

// Load reads presence.yaml from path (or the working directory when empty),
// with PRESENCE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("presence")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("presence")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("db_dsn is not set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is not set")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("tcp_addr", ":27970")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay_cmd", "")

	v.SetDefault("workgroup.subs_have_super_view", false)
	v.SetDefault("workgroup.supers_have_sub_room", false)
	v.SetDefault("workgroup.supers_sub_hide_super", false)

	d := DefaultTiming()
	v.SetDefault("timing.ping_step", d.PingStep)
	v.SetDefault("timing.ping_step_timeout", d.PingStepTimeout)
	v.SetDefault("timing.session_timeout", d.SessionTimeout)
	v.SetDefault("timing.session_debounce", d.SessionDebounce)
	v.SetDefault("timing.room_empty", d.RoomEmpty)
	v.SetDefault("timing.edit_grace", d.EditGrace)
	v.SetDefault("timing.request", d.Request)
	v.SetDefault("timing.live_ping", d.LivePing)
	v.SetDefault("timing.live_pong", d.LivePong)
	v.SetDefault("timing.live_peer", d.LivePeer)
	v.SetDefault("timing.live_readd_settle", d.LiveReAddSettle)
}
