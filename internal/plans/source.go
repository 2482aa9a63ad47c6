package plans

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source is one configuration layer. Keys are upper-case, either
// "<KEY>" or "<PLAN>_<KEY>".
type Source interface {
	Lookup(key string) (string, bool)
}

// EnvSource reads QUOTA_-prefixed environment variables.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Lookup(key string) (string, bool) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "QUOTA_"
	}
	value, ok := os.LookupEnv(prefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// MapSource is a fixed layer, mostly for tests.
type MapSource map[string]string

func (s MapSource) Lookup(key string) (string, bool) {
	value, ok := s[key]
	return value, ok
}

// limitsFile is the YAML shape of LIMITS_FILE:
//
//	defaults:
//	  MAX_FILE_SIZE_BYTES: 20000000
//	plans:
//	  free:
//	    CHAT_LIFETIME_MESSAGE_LIMIT: 100
type limitsFile struct {
	Defaults map[string]any            `yaml:"defaults"`
	Plans    map[string]map[string]any `yaml:"plans"`
}

// FileSource is the limits file flattened to the same key space as the
// environment layer.
type FileSource struct {
	values map[string]string
}

func (s *FileSource) Lookup(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	value, ok := s.values[key]
	return value, ok
}

// ParseFileSource decodes a limits file.
func ParseFileSource(data []byte) (*FileSource, error) {
	var doc limitsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}
	values := make(map[string]string)
	for key, value := range doc.Defaults {
		values[strings.ToUpper(key)] = scalar(value)
	}
	for plan, entries := range doc.Plans {
		prefix := strings.ToUpper(plan) + "_"
		for key, value := range entries {
			values[prefix+strings.ToUpper(key)] = scalar(value)
		}
	}
	return &FileSource{values: values}, nil
}

// LoadFileSource reads path. A missing file is an empty layer.
func LoadFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return &FileSource{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &FileSource{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}
	return ParseFileSource(data)
}

func scalar(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, scalar(item))
		}
		return strings.Join(parts, ",")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
