package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type options struct {
	aliases map[string]string
}

type Option func(o *options)

// WithEnvAlias also reads key from the environment variable env, e.g. the
// conventional PORT for http.port. The regular variable (HTTP_PORT) wins when
// both are set.
func WithEnvAlias(key, env string) Option {
	return func(o *options) {
		o.aliases[key] = env
	}
}

// Load config into the config struct, config must be a pointer to the config
// struct. Its current values are the defaults, then the file is merged when
// given, then the environment (http.port is read from HTTP_PORT).
func Load(file string, config any, opts ...Option) error {
	o := options{aliases: make(map[string]string)}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	m, err := toMap(config)
	if err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range o.aliases {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return fmt.Errorf("bind env %s: %v", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// toMap converts a struct into nested maps, so that every leaf is a key
// viper can look up in the environment.
func toMap(in any) (map[string]any, error) {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return nil, err
	}

	for k, v := range m {
		rv := reflect.Indirect(reflect.ValueOf(v))
		if rv.Kind() != reflect.Struct {
			continue
		}

		sub, err := toMap(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = sub
	}

	return m, nil
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
