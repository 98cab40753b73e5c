package configuration

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/backfila/backfila/internal/feature"
	"gopkg.in/yaml.v2"
)

const (
	// EnvPrefix is the prefix of environment variables overriding configuration parameters.
	EnvPrefix = "BACKFILA"
	// PathEnvVar names the environment variable holding the path of the configuration file.
	PathEnvVar = EnvPrefix + "_CONFIGURATION_PATH"
)

// ErrUnknownParameter is returned when an environment variable does not match any configuration parameter.
var ErrUnknownParameter = errors.New("unknown configuration parameter")

var unmarshalerType = reflect.TypeOf((*yaml.Unmarshaler)(nil)).Elem()

type envVar struct {
	name  string
	value string
}

// overwriteFromEnv applies every prefix_ environment variable in environ to config. Values are parsed as yaml, so
// durations, lists and nested documents are all accepted. Shorter names are applied first, letting a variable
// replace a whole section before more specific ones adjust it.
func overwriteFromEnv(config any, prefix string, environ []string) error {
	var vars []envVar
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		if name == PathEnvVar || feature.KnownEnvVar(name) {
			continue
		}
		vars = append(vars, envVar{name: name, value: value})
	}
	sort.SliceStable(vars, func(i, j int) bool {
		return len(vars[i].name) < len(vars[j].name)
	})

	root := reflect.ValueOf(config).Elem()
	for _, v := range vars {
		path := strings.Split(strings.TrimPrefix(v.name, prefix+"_"), "_")
		if err := overwriteField(root, path, v.value); err != nil {
			return fmt.Errorf("applying %s: %w", v.name, err)
		}
	}

	return nil
}

func overwriteField(v reflect.Value, path []string, value string) error {
	if len(path) == 0 {
		return setValue(v, value)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return overwriteField(v.Elem(), path, value)
	case reflect.Struct:
		field, ok := fieldByYAMLName(v, path[0])
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, strings.ToLower(path[0]))
		}
		return overwriteField(field, path[1:], value)
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		// map keys may contain the separator, so the remaining path is the key
		key := reflect.ValueOf(strings.Join(path, "_")).Convert(v.Type().Key())
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := setValue(elem, value); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
		return nil
	default:
		return fmt.Errorf("%w: %q has no sub-parameters", ErrUnknownParameter, strings.ToLower(path[0]))
	}
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if tag == "" {
			tag = f.Name
		}
		if strings.EqualFold(tag, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setValue(v reflect.Value, value string) error {
	ptr := reflect.New(v.Type())
	if v.Kind() == reflect.String && !ptr.Type().Implements(unmarshalerType) {
		// keep the raw value, yaml would otherwise turn "null" or "~" into an empty string
		ptr.Elem().SetString(value)
	} else if err := yaml.Unmarshal([]byte(value), ptr.Interface()); err != nil {
		return fmt.Errorf("parsing %q: %w", value, err)
	}
	v.Set(ptr.Elem())
	return nil
}
