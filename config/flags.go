package config

import (
	"fmt"
	"reflect"

	"github.com/spf13/pflag"
)

// AddFlags registers one flag per configuration key,
// using the defaults as flag defaults.
// Pass the flags to Load to apply them.
func AddFlags(flags *pflag.FlagSet) {
	def := reflect.ValueOf(Default()).Elem()
	t := def.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		usage := fmt.Sprintf("set %s", name)
		switch value := def.Field(i).Interface().(type) {
		case string:
			flags.String(name, value, usage)
		case int:
			flags.Int(name, value, usage)
		case float64:
			flags.Float64(name, value, usage)
		case bool:
			flags.Bool(name, value, usage)
		case []string:
			flags.StringSlice(name, value, usage)
		case []int:
			flags.IntSlice(name, value, usage)
		default:
			panic(fmt.Sprintf("unsupported config field type: %T", value))
		}
	}
}
