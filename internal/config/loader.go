// Package config loads run options from flags, environment and a TOML file,
// and turns them into the immutable Pipeline value handed to each component.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// LoadConfig fills opts with precedence CLI flags > environment > TOML file.
//
// opts must be a pointer to a flat struct. Fields tagged `toml:"a.b"` are
// read from the file named by the struct's Config field; fields tagged
// `env:"KEY"` are read from the environment variable KEY. Flags that were
// explicitly set on flags are never overwritten. flags may be nil.
func LoadConfig(opts any, flags *pflag.FlagSet) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: expected pointer to struct, got %T", opts)
	}
	v = v.Elem()
	t := v.Type()

	changed := make(map[string]bool)
	if flags != nil {
		// VisitAll with Changed also sees flags set through a subcommand's
		// merged flag set.
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	var doc map[string]any
	if field := v.FieldByName("Config"); field.IsValid() && field.Kind() == reflect.String && field.String() != "" {
		data, err := os.ReadFile(field.String())
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// running without a config file is normal
		case err != nil:
			return fmt.Errorf("config: read %s: %w", field.String(), err)
		default:
			if err := toml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("config: parse %s: %w", field.String(), err)
			}
		}
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		meta := t.Field(i)
		if !field.CanSet() || changed[flagName(meta.Name)] {
			continue
		}

		if path := meta.Tag.Get("toml"); path != "" && doc != nil {
			if value := lookupPath(doc, path); value != nil {
				if err := assign(field, value); err != nil {
					return fmt.Errorf("config: %s: %w", path, err)
				}
			}
		}

		if key := meta.Tag.Get("env"); key != "" {
			if raw, ok := os.LookupEnv(key); ok && raw != "" {
				if err := assignString(field, raw); err != nil {
					return fmt.Errorf("config: $%s: %w", key, err)
				}
			}
		}
	}

	return nil
}

// flagName converts a field name to the kebab-case flag name the CLI uses.
// Acronym runs stay together: "UDPHost" -> "udp-host", "FPS" -> "fps".
func flagName(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteRune('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookupPath walks a decoded TOML document using dot notation.
func lookupPath(doc map[string]any, path string) any {
	current := doc
	parts := strings.Split(path, ".")
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil
		}
		if i == len(parts)-1 {
			return value
		}
		if current, ok = value.(map[string]any); !ok {
			return nil
		}
	}
	return nil
}

// assign sets a field from a decoded TOML value.
func assign(field reflect.Value, value any) error {
	switch field.Kind() {
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", value)
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		default:
			return fmt.Errorf("want integer, got %T", value)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		switch items := value.(type) {
		case []any:
			out := make([]string, 0, len(items))
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("want string items, got %T", item)
				}
				out = append(out, s)
			}
			field.Set(reflect.ValueOf(out))
		case string:
			field.Set(reflect.ValueOf(splitList(items)))
		default:
			return fmt.Errorf("want array, got %T", value)
		}
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// assignString sets a field from an environment variable.
func assignString(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		field.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// splitList splits a comma-separated list, trimming blanks and dropping empties.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
