package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces every environment variable the engine reads.
const envPrefix = "FLOPODS_"

// Service loads and validates the engine configuration.
type Service struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
}

func NewService() *Service {
	return &Service{
		koanf:     koanf.New("."),
		validator: validator.New(),
	}
}

// Load builds the configuration from struct defaults overridden by
// FLOPODS_-prefixed environment variables, then validates the result.
func (s *Service) Load(_ context.Context) (*Config, error) {
	if err := s.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := s.loadEnvironment(); err != nil {
		return nil, err
	}
	return s.unmarshalAndValidate()
}

// loadEnvironment applies environment overrides. Variables carrying an
// explicit `env:` tag map directly; anything else falls back to the
// SECTION_FIELD_NAME convention.
func (s *Service) loadEnvironment() error {
	envToPath := generateEnvMappings()
	if err := s.koanf.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			if configPath, exists := envToPath[key]; exists {
				return configPath, value
			}
			return transformEnvKey(key), value
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

// transformEnvKey converts environment variable names to koanf paths.
// For example: QUEUE_MAX_ATTEMPTS -> queue.max_attempts
func transformEnvKey(key string) string {
	key = strings.ToLower(key)
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' })
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// generateEnvMappings walks the Config struct tags and returns the explicit
// env-var to koanf-path table.
func generateEnvMappings() map[string]string {
	mappings := make(map[string]string)
	collectEnvMappings(reflect.TypeOf(Config{}), "", mappings)
	return mappings
}

func collectEnvMappings(t reflect.Type, prefix string, out map[string]string) {
	for i := range t.NumField() {
		field := t.Field(i)
		koanfTag := field.Tag.Get("koanf")
		if koanfTag == "" {
			continue
		}
		path := koanfTag
		if prefix != "" {
			path = prefix + "." + koanfTag
		}
		if envTag := field.Tag.Get("env"); envTag != "" {
			out[envTag] = path
		}
		ft := field.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			collectEnvMappings(ft, path, out)
		}
	}
}

// sensitiveStringDecodeHook converts plain strings into SensitiveString so
// secrets never round-trip through fmt as clear text.
func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

func (s *Service) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := s.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := s.validator.Struct(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}
