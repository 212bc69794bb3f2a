package core

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dcrodman/multiworld/internal/instance"
)

const envVarPrefix = "MULTIWORLD"

// ServerConfig describes an instance to create at startup. Enumerated values may be
// given by name or number.
type ServerConfig struct {
	Name       string `mapstructure:"name"`
	WorldName  string `mapstructure:"worldName"`
	Seed       string `mapstructure:"seed"`
	Difficulty string `mapstructure:"difficulty"`
	Size       string `mapstructure:"size"`
	Evil       string `mapstructure:"evil"`
}

// Settings converts s into instance settings. Bad values produce warnings and fall
// back to their defaults; a missing name or world name is an error.
func (s ServerConfig) Settings() (instance.Settings, []string, error) {
	tokens := []string{"name:" + s.Name, "worldname:" + s.WorldName}
	for key, value := range map[string]string{"seed": s.Seed, "difficulty": s.Difficulty, "size": s.Size, "evil": s.Evil} {
		if value != "" {
			tokens = append(tokens, key+":"+value)
		}
	}
	return instance.ParseSettings(tokens)
}

// Config contains every option the server reads from its config file.
type Config struct {
	Logging struct {
		// Where logs go besides stdout. Options: txt, none, sqlite
		Mode string `mapstructure:"mode"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		Level string `mapstructure:"level"`
		// Directory for txt mode log files.
		Directory string `mapstructure:"directory"`
		// Database file for sqlite mode.
		SQLitePath string `mapstructure:"sqlitePath"`
	} `mapstructure:"logging"`

	Launcher struct {
		// Hostname or IP address on which the server will listen for connections.
		ListenAddress string `mapstructure:"listenAddress"`
		ListenPort    int    `mapstructure:"listenPort"`
		// Maximum number of concurrent connections, at most 255.
		MaxConnections int `mapstructure:"maxConnections"`
		// Blank disables the password prompt.
		ServerPassword string `mapstructure:"serverPassword"`
		// Join policy for new connections. Options: first, random, none
		JoinServer string `mapstructure:"joinServer"`
		// Version string clients must send. Blank accepts any.
		ProtocolVersion string `mapstructure:"protocolVersion"`
		// Kick clients sending undefined packet types instead of dropping the packet.
		StrictPackets bool `mapstructure:"strictPackets"`
		// Language of messages sent to clients.
		Language      string         `mapstructure:"language"`
		CommandPrefix string         `mapstructure:"commandPrefix"`
		AutoStart     []ServerConfig `mapstructure:"autoStartServers"`
	} `mapstructure:"launcher"`

	Discovery struct {
		Enabled bool `mapstructure:"enabled"`
		// UDP port the announcements are sent to.
		Port int `mapstructure:"port"`
		// Seconds between announcements.
		Interval int `mapstructure:"interval"`
	} `mapstructure:"discovery"`

	Permissions struct {
		// Worlds only builders may edit.
		ProtectedWorlds []string `mapstructure:"protectedWorlds"`
		Builders        []string `mapstructure:"builders"`
		// How long a permission decision is reused.
		CacheSeconds int `mapstructure:"cacheSeconds"`
	} `mapstructure:"permissions"`

	Debugging struct {
		// Dump every packet at debug level.
		PacketLogging bool `mapstructure:"packetLogging"`
		PprofEnabled  bool `mapstructure:"pprofEnabled"`
		PprofPort     int  `mapstructure:"pprofPort"`
	} `mapstructure:"debugging"`
}

// ListenAddr returns the host:port the listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Launcher.ListenAddress, strconv.Itoa(c.Launcher.ListenPort))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.mode", "txt")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.sqlitePath", "logs/multiworld.db")

	v.SetDefault("launcher.listenAddress", "")
	v.SetDefault("launcher.listenPort", 7777)
	v.SetDefault("launcher.maxConnections", instance.MaxPlayers)
	v.SetDefault("launcher.serverPassword", "")
	v.SetDefault("launcher.joinServer", "first")
	v.SetDefault("launcher.protocolVersion", "")
	v.SetDefault("launcher.strictPackets", false)
	v.SetDefault("launcher.language", "en")
	v.SetDefault("launcher.commandPrefix", "/")
	v.SetDefault("launcher.autoStartServers", []map[string]interface{}{})

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.port", 8888)
	v.SetDefault("discovery.interval", 5)

	v.SetDefault("permissions.protectedWorlds", []string{})
	v.SetDefault("permissions.builders", []string{})
	v.SetDefault("permissions.cacheSeconds", 30)

	v.SetDefault("debugging.packetLogging", false)
	v.SetDefault("debugging.pprofEnabled", false)
	v.SetDefault("debugging.pprofPort", 4000)
}

// Loader reads config.json from a directory and can watch it for changes.
type Loader struct {
	v     *viper.Viper
	found bool

	mu       sync.Mutex
	current  *Config
	warnings []string
}

// NewLoader creates a Loader for the config.json under configPath.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	// This allows us to set nested config options through environment variables.
	// For example, launcher.listenPort can be set using MULTIWORLD_LAUNCHER_LISTENPORT.
	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads the config file. A missing file is not an error: the defaults (and any
// environment overrides) are used and Found reports false. Values that can't be
// used are replaced by their defaults and described by Warnings.
func (l *Loader) Load() (*Config, error) {
	l.found = true
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		l.found = false
	}

	for _, k := range l.v.AllKeys() {
		envVar := envVarPrefix + "_" + strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := l.v.BindEnv(k, envVar); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", k, envVar, err)
		}
	}

	config, warnings, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = config
	l.warnings = warnings
	l.mu.Unlock()
	return config, nil
}

// Warnings describes the values the last Load replaced with defaults.
func (l *Loader) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warnings
}

// Matches the option name in a mapstructure error, without any slice index.
var optionPattern = regexp.MustCompile(`'([^'\[]+)`)

// decode unmarshals the current settings. An option mapstructure can't decode is
// reset to its default and decoding retried, so one bad value costs only itself.
func (l *Loader) decode() (*Config, []string, error) {
	settings := viper.New()
	if err := settings.MergeConfigMap(l.v.AllSettings()); err != nil {
		return nil, nil, fmt.Errorf("decoding config: %w", err)
	}
	defaults := viper.New()
	setDefaults(defaults)

	var warnings []string
	reset := make(map[string]bool)
	for {
		config := &Config{}
		err := settings.Unmarshal(config)
		if err == nil {
			return config, append(warnings, validate(config, defaults)...), nil
		}

		var decodeErr *mapstructure.Error
		if !errors.As(err, &decodeErr) {
			return nil, warnings, fmt.Errorf("decoding config: %w", err)
		}
		progress := false
		for _, msg := range decodeErr.Errors {
			m := optionPattern.FindStringSubmatch(msg)
			if m == nil || reset[strings.ToLower(m[1])] {
				continue
			}
			key := m[1]
			reset[strings.ToLower(key)] = true
			settings.Set(key, defaults.Get(key))
			warnings = append(warnings, fmt.Sprintf("%s; using the default for %s", msg, key))
			progress = true
		}
		if !progress {
			return nil, warnings, fmt.Errorf("decoding config: %w", err)
		}
	}
}

func invalidValue(key string, value interface{}, defaults *viper.Viper) string {
	return fmt.Sprintf("invalid value %v for %s, using the default %v", value, key, defaults.Get(key))
}

// validate resets decoded values that are out of range.
func validate(c *Config, defaults *viper.Viper) []string {
	var warnings []string
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		warnings = append(warnings, invalidValue("logging.level", c.Logging.Level, defaults))
		c.Logging.Level = defaults.GetString("logging.level")
	}
	if p := c.Launcher.ListenPort; p < 0 || p > 65535 {
		warnings = append(warnings, invalidValue("launcher.listenPort", p, defaults))
		c.Launcher.ListenPort = defaults.GetInt("launcher.listenPort")
	}
	if n := c.Launcher.MaxConnections; n < 1 || n > instance.MaxPlayers {
		warnings = append(warnings, invalidValue("launcher.maxConnections", n, defaults))
		c.Launcher.MaxConnections = defaults.GetInt("launcher.maxConnections")
	}
	if p := c.Discovery.Port; p < 1 || p > 65535 {
		warnings = append(warnings, invalidValue("discovery.port", p, defaults))
		c.Discovery.Port = defaults.GetInt("discovery.port")
	}
	if n := c.Discovery.Interval; n < 1 {
		warnings = append(warnings, invalidValue("discovery.interval", n, defaults))
		c.Discovery.Interval = defaults.GetInt("discovery.interval")
	}
	if n := c.Permissions.CacheSeconds; n < 0 {
		warnings = append(warnings, invalidValue("permissions.cacheSeconds", n, defaults))
		c.Permissions.CacheSeconds = defaults.GetInt("permissions.cacheSeconds")
	}
	if p := c.Debugging.PprofPort; p < 0 || p > 65535 {
		warnings = append(warnings, invalidValue("debugging.pprofPort", p, defaults))
		c.Debugging.PprofPort = defaults.GetInt("debugging.pprofPort")
	}
	return warnings
}

// Found reports whether the last Load read a file.
func (l *Loader) Found() bool { return l.found }

// File returns the path of the config file in use, or "" if none was found.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

// Watch calls onChange with the old and new config every time the file is
// rewritten, along with the warnings for values replaced by defaults. A file that
// no longer decodes is reported through onError and the previous config stays
// current.
func (l *Loader) Watch(onChange func(old, updated *Config, warnings []string), onError func(error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		updated, warnings, err := l.decode()
		if err != nil {
			onError(err)
			return
		}
		l.mu.Lock()
		old := l.current
		l.current = updated
		l.warnings = warnings
		l.mu.Unlock()
		onChange(old, updated, warnings)
	})
	l.v.WatchConfig()
}

// LoadConfig reads the config.json under configPath, falling back to defaults
// when there is none.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Changes is what differs between two configs, limited to what can be applied to
// a running server. Everything else is listed in Unsupported.
type Changes struct {
	Password      bool
	JoinPolicy    bool
	Strict        bool
	Listen        bool
	Language      bool
	CommandPrefix bool
	Permissions   bool
	PacketLogging bool
	// Servers present in the new config only.
	AddedServers []ServerConfig
	Unsupported  []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return !c.Password && !c.JoinPolicy && !c.Strict && !c.Listen && !c.Language && !c.CommandPrefix &&
		!c.Permissions && !c.PacketLogging && len(c.AddedServers) == 0 && len(c.Unsupported) == 0
}

// Diff compares two configs.
func Diff(old, updated *Config) Changes {
	var c Changes
	o, n := old.Launcher, updated.Launcher

	c.Password = o.ServerPassword != n.ServerPassword
	c.JoinPolicy = !strings.EqualFold(o.JoinServer, n.JoinServer)
	c.Strict = o.StrictPackets != n.StrictPackets
	c.Listen = old.ListenAddr() != updated.ListenAddr()
	c.Language = o.Language != n.Language
	c.CommandPrefix = o.CommandPrefix != n.CommandPrefix
	c.Permissions = !equalStrings(old.Permissions.ProtectedWorlds, updated.Permissions.ProtectedWorlds) ||
		!equalStrings(old.Permissions.Builders, updated.Permissions.Builders)
	c.PacketLogging = old.Debugging.PacketLogging != updated.Debugging.PacketLogging

	if o.ProtocolVersion != n.ProtocolVersion {
		c.Unsupported = append(c.Unsupported, "launcher.protocolVersion")
	}
	if o.MaxConnections != n.MaxConnections {
		c.Unsupported = append(c.Unsupported, "launcher.maxConnections")
	}
	if old.Logging != updated.Logging {
		c.Unsupported = append(c.Unsupported, "logging")
	}
	if old.Discovery != updated.Discovery {
		c.Unsupported = append(c.Unsupported, "discovery")
	}
	if old.Permissions.CacheSeconds != updated.Permissions.CacheSeconds {
		c.Unsupported = append(c.Unsupported, "permissions.cacheSeconds")
	}

	previous := make(map[string]ServerConfig, len(o.AutoStart))
	for _, s := range o.AutoStart {
		previous[strings.ToLower(s.Name)] = s
	}
	seen := make(map[string]bool, len(n.AutoStart))
	for _, s := range n.AutoStart {
		key := strings.ToLower(s.Name)
		seen[key] = true
		before, ok := previous[key]
		switch {
		case !ok:
			c.AddedServers = append(c.AddedServers, s)
		case before != s:
			c.Unsupported = append(c.Unsupported, fmt.Sprintf("launcher.autoStartServers[%s] changed", s.Name))
		}
	}
	for _, s := range o.AutoStart {
		if !seen[strings.ToLower(s.Name)] {
			c.Unsupported = append(c.Unsupported, fmt.Sprintf("launcher.autoStartServers[%s] removed", s.Name))
		}
	}
	return c
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
