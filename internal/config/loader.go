package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// ErrConfigNotFound means no config file exists at any default location.
var ErrConfigNotFound = errors.New("config file not found")

// EnvPrefix prefixes environment overrides, e.g. FORGE_SERVER_PORT.
const EnvPrefix = "FORGE"

type LoadOptions struct {
	// ConfigFile is read instead of searching the default locations.
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

// Load merges defaults, the config file and FORGE_* environment variables,
// then validates the result.
func Load(opts LoadOptions) (*Config, error) {
	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}

	v := viper.New()
	registerDefaults(v, "", reflect.ValueOf(defaults).Elem())
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("forge")
		v.SetConfigType("yaml")
		for _, dir := range searchDirs() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvRefs(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

// registerDefaults walks a config struct and registers every leaf under its
// dotted mapstructure key. Registering each key is also what lets
// AutomaticEnv resolve it without a config file. Nil pointers are skipped.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		tag, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// expandEnvRefs replaces values written as ${NAME} with $NAME from the
// environment. Unset variables leave the value as written.
func expandEnvRefs(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		name, ok := strings.CutPrefix(val, "${")
		if !ok {
			continue
		}
		if name, ok = strings.CutSuffix(name, "}"); !ok {
			continue
		}
		if envVal, set := os.LookupEnv(name); set && envVal != "" {
			v.Set(key, envVal)
		}
	}
}

func searchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "forge"))
	}
	return append(dirs, "/etc/forge")
}

// ConfigFilePath resolves the config file to load. An explicit path must
// exist. Otherwise the default locations are searched and ErrConfigNotFound
// is returned when none has a file.
func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	for _, dir := range searchDirs() {
		for _, name := range []string{"forge.yaml", "forge.yml"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return filepath.Abs(p)
			}
		}
	}
	return "", ErrConfigNotFound
}
