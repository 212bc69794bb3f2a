package main

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/multiworld/internal"
	"github.com/dcrodman/multiworld/internal/core"
)

func ptr[T any](v T) *T { return &v }

func TestParseArgs(t *testing.T) {
	tests := map[string]struct {
		args         []string
		want         Overrides
		wantWarnings []string
	}{
		"nothing": {
			want: Overrides{ConfigPath: "./"},
		},
		"simple options": {
			args: []string{"-config", "/etc/mw", "-port", "7000", "-password", "secret", "-joinserver", "Random", "-logmode=none"},
			want: Overrides{ConfigPath: "/etc/mw", ListenPort: ptr(7000), Password: ptr("secret"),
				JoinServer: ptr("random"), LogMode: ptr("none")},
		},
		"listen alias and double dash": {
			args: []string{"--listen=7001"},
			want: Overrides{ConfigPath: "./", ListenPort: ptr(7001)},
		},
		"servers take tokens until the next option": {
			args: []string{"-autostart", "name:Alpha", "worldname:alpha", "seed:-5", "-addserver", "name:Beta", "worldname:beta",
				"difficulty:expert", "size:large", "evil:crimson", "-port", "7002"},
			want: Overrides{ConfigPath: "./", ListenPort: ptr(7002), Servers: []core.ServerConfig{
				{Name: "Alpha", WorldName: "alpha", Seed: "-5"},
				{Name: "Beta", WorldName: "beta", Difficulty: "expert", Size: "large", Evil: "crimson"},
			}},
		},
		"server without world name is kept for validation": {
			args: []string{"-server", "name:Alpha", "seed:1"},
			want: Overrides{ConfigPath: "./", Servers: []core.ServerConfig{{Name: "Alpha", Seed: "1"}}},
		},
		"malformed input": {
			args: []string{"stray", "-port", "abc", "-joinserver", "best", "-logmode", "xml", "-password", "-server", "name:A", "bogus", "color:red", "-frobnicate", "x", "y"},
			want: Overrides{ConfigPath: "./", Servers: []core.ServerConfig{{Name: "A"}}},
			wantWarnings: []string{
				`ignoring unexpected argument "stray"`,
				`invalid port "abc", using the configured one`,
				`unknown join policy "best", using the configured one`,
				`unknown log mode "xml", using the configured one`,
				`-password needs a value`,
				`ignoring malformed server argument "bogus"`,
				`ignoring unknown server argument "color"`,
				`ignoring unknown option "-frobnicate"`,
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, warnings := ParseArgs(tt.args)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected overrides; diff:\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantWarnings, warnings); diff != "" {
				t.Errorf("unexpected warnings; diff:\n%s", diff)
			}
		})
	}
}

func TestOverrides_Apply(t *testing.T) {
	cfg, err := core.LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Launcher.AutoStart = []core.ServerConfig{{Name: "FromFile", WorldName: "file"}}

	o, _ := ParseArgs([]string{"-port", "7100", "-joinserver", "none", "-server", "name:FromCLI", "worldname:cli"})
	o.Apply(cfg)

	if cfg.Launcher.ListenPort != 7100 || cfg.Launcher.JoinServer != "none" || cfg.Launcher.ServerPassword != "" {
		t.Errorf("overrides not applied: %+v", cfg.Launcher)
	}
	want := []core.ServerConfig{{Name: "FromFile", WorldName: "file"}, {Name: "FromCLI", WorldName: "cli"}}
	if diff := cmp.Diff(want, cfg.Launcher.AutoStart); diff != "" {
		t.Errorf("unexpected servers; diff:\n%s", diff)
	}
}

// A server given without a world name is reported and never created.
func TestServerWithoutWorldName(t *testing.T) {
	cfg, err := core.LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Launcher.ListenAddress = "127.0.0.1"
	cfg.Launcher.ListenPort = 0

	o, warnings := ParseArgs([]string{"-server", "name:Alpha", "seed:1"})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings %v", warnings)
	}
	o.Apply(cfg)

	logger, hook := logtest.NewNullLogger()
	controller := internal.NewController(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	if err := controller.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		_ = controller.Wait()
	}()

	if n := controller.Registry.Len(); n != 0 {
		t.Errorf("expected no instances, got %d", n)
	}
	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "worldname") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning naming the missing worldname")
	}
}
