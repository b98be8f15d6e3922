package cfg

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// hookFunc is a mapstructure decode hook that routes string-typed
// YAML/flag values through each custom type's UnmarshalText so invalid
// enum values fail at load time rather than silently zero-valuing.
func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)

		switch t {
		case reflect.TypeOf(ByteSize(0)):
			var v ByteSize
			if err := v.UnmarshalText([]byte(s)); err != nil {
				return nil, err
			}
			return v, nil
		case reflect.TypeOf(TierPolicy("")):
			var v TierPolicy
			if err := v.UnmarshalText([]byte(s)); err != nil {
				return nil, err
			}
			return v, nil
		case reflect.TypeOf(TierRole("")):
			var v TierRole
			if err := v.UnmarshalText([]byte(s)); err != nil {
				return nil, err
			}
			return v, nil
		case reflect.TypeOf(LogLevel("")):
			var v LogLevel
			if err := v.UnmarshalText([]byte(s)); err != nil {
				return nil, err
			}
			return v, nil
		}
		return data, nil
	}
}
