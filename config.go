package jitlink

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ZenLiuCN/jitlink/toolchain"
	"github.com/ZenLiuCN/jitlink/watch"
)

// EnvPrefix of environment overrides, e.g. JITLINK_TOOLCHAIN=gcc.
const EnvPrefix = "JITLINK"

// Config of an Engine.
type Config struct {
	Toolchain string        `mapstructure:"toolchain"` // clang, gcc, go or empty to detect
	Compiler  string        `mapstructure:"compiler"`  // explicit driver binary
	Workers   int           `mapstructure:"workers"`
	Include   []string      `mapstructure:"include"`
	Define    []string      `mapstructure:"define"`
	Flags     []string      `mapstructure:"flags"` // passed verbatim after include and define
	Addons    string        `mapstructure:"addons"`
	Nodes     string        `mapstructure:"nodes"`
	Footer    string        `mapstructure:"footer"` // appended to node sources
	Debounce  time.Duration `mapstructure:"debounce"`
	KeepTemp  bool          `mapstructure:"keep_temp"`
	TempDir   string        `mapstructure:"tmp_dir"`
	Debug     bool          `mapstructure:"debug"`
}

// DefaultConfig used for keys no source sets.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		Debounce: watch.DefaultDebounce,
	}
}

func defaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("toolchain", d.Toolchain)
	v.SetDefault("compiler", d.Compiler)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("include", []string{})
	v.SetDefault("define", []string{})
	v.SetDefault("flags", []string{})
	v.SetDefault("addons", d.Addons)
	v.SetDefault("nodes", d.Nodes)
	v.SetDefault("footer", d.Footer)
	v.SetDefault("debounce", d.Debounce)
	v.SetDefault("keep_temp", d.KeepTemp)
	v.SetDefault("tmp_dir", d.TempDir)
	v.SetDefault("debug", d.Debug)
}

// LoadConfig reads path, if given, and applies environment overrides over the defaults. The
// format follows the file extension: toml, yaml or json.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate the values a file or environment may have broken.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("config: negative workers %d", c.Workers)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("config: negative debounce %s", c.Debounce)
	}
	for _, d := range c.Define {
		if d == "" || strings.HasPrefix(d, "=") {
			return errors.New("config: empty define")
		}
	}
	return nil
}

// CompilerFlags expands include directories and defines into compiler flags followed by Flags.
func (c *Config) CompilerFlags() []string {
	f := make([]string, 0, len(c.Include)+len(c.Define)+len(c.Flags))
	for _, i := range c.Include {
		f = append(f, "-I"+i)
	}
	for _, d := range c.Define {
		f = append(f, "-D"+d)
	}
	return append(f, c.Flags...)
}

// ToolchainOptions derived from the configuration.
func (c *Config) ToolchainOptions() toolchain.Options {
	return toolchain.Options{
		Compiler: c.Compiler,
		Flags:    c.CompilerFlags(),
		TempDir:  c.TempDir,
		KeepTemp: c.KeepTemp,
	}
}
