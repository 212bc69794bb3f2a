package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dcrodman/multiworld/internal/core"
)

// Overrides are the command line values that take precedence over the config file.
type Overrides struct {
	ConfigPath string
	ListenPort *int
	Password   *string
	JoinServer *string
	LogMode    *string
	// Servers are added to the config file's auto-start servers.
	Servers []core.ServerConfig
}

// Apply writes the overrides into cfg.
func (o *Overrides) Apply(cfg *core.Config) {
	if o.ListenPort != nil {
		cfg.Launcher.ListenPort = *o.ListenPort
	}
	if o.Password != nil {
		cfg.Launcher.ServerPassword = *o.Password
	}
	if o.JoinServer != nil {
		cfg.Launcher.JoinServer = *o.JoinServer
	}
	if o.LogMode != nil {
		cfg.Logging.Mode = *o.LogMode
	}
	cfg.Launcher.AutoStart = append(cfg.Launcher.AutoStart, o.Servers...)
}

// isFlag reports whether arg starts a new option rather than being a value.
func isFlag(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	_, err := strconv.Atoi(arg)
	return err != nil
}

// ParseArgs scans the command line. Options take the form "-name value" or
// "-name=value"; the server options take every "key:value" token up to the next
// option. Nothing here is fatal: anything that can't be understood is skipped and
// reported in the returned warnings.
func ParseArgs(args []string) (Overrides, []string) {
	o := Overrides{ConfigPath: "./"}
	var warnings []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !isFlag(arg) {
			warnings = append(warnings, fmt.Sprintf("ignoring unexpected argument %q", arg))
			continue
		}

		name, inline, hasInline := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		name = strings.ToLower(name)

		// values collects the tokens belonging to this option.
		values := func(limit int) []string {
			var v []string
			if hasInline {
				v = append(v, inline)
			}
			for i+1 < len(args) && !isFlag(args[i+1]) && (limit < 0 || len(v) < limit) {
				i++
				v = append(v, args[i])
			}
			return v
		}
		single := func() (string, bool) {
			v := values(1)
			if len(v) == 0 {
				warnings = append(warnings, fmt.Sprintf("-%s needs a value", name))
				return "", false
			}
			return v[0], true
		}

		switch name {
		case "config":
			if v, ok := single(); ok {
				o.ConfigPath = v
			}
		case "listen", "port":
			if v, ok := single(); ok {
				port, err := strconv.Atoi(v)
				if err != nil || port < 0 || port > 65535 {
					warnings = append(warnings, fmt.Sprintf("invalid port %q, using the configured one", v))
					continue
				}
				o.ListenPort = &port
			}
		case "password":
			if v, ok := single(); ok {
				o.Password = &v
			}
		case "joinserver":
			if v, ok := single(); ok {
				v = strings.ToLower(v)
				switch v {
				case "none", "random", "first":
					o.JoinServer = &v
				default:
					warnings = append(warnings, fmt.Sprintf("unknown join policy %q, using the configured one", v))
				}
			}
		case "logmode":
			if v, ok := single(); ok {
				v = strings.ToLower(v)
				switch v {
				case core.LogModeText, core.LogModeNone, core.LogModeSQLite:
					o.LogMode = &v
				default:
					warnings = append(warnings, fmt.Sprintf("unknown log mode %q, using the configured one", v))
				}
			}
		case "autostart", "addserver", "server":
			server, more := parseServer(values(-1))
			warnings = append(warnings, more...)
			o.Servers = append(o.Servers, server)
		default:
			warnings = append(warnings, fmt.Sprintf("ignoring unknown option %q", arg))
			// Skip its values too.
			values(-1)
		}
	}
	return o, warnings
}

// parseServer reads the "key:value" tokens of one server option. Validation of
// the values happens when the server is created.
func parseServer(tokens []string) (core.ServerConfig, []string) {
	var s core.ServerConfig
	var warnings []string
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("ignoring malformed server argument %q", token))
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			s.Name = value
		case "worldname":
			s.WorldName = value
		case "seed":
			s.Seed = value
		case "difficulty":
			s.Difficulty = value
		case "size":
			s.Size = value
		case "evil":
			s.Evil = value
		default:
			warnings = append(warnings, fmt.Sprintf("ignoring unknown server argument %q", key))
		}
	}
	return s, warnings
}
