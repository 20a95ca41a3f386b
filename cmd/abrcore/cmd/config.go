package cmd

import (
	"encoding"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults overlaid with
the config file, .env and environment.

  abrcore config dump > abrcore.yaml

Environment variables use the ABRCORE_ prefix and underscores for nesting.
Example: drm.license_key -> ABRCORE_DRM_LICENSE_KEY`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

// toMap converts a config struct to a map keyed by mapstructure tags.
// Durations and sizes are written in their human-readable form.
func toMap(v any) map[string]any {
	val := reflect.Indirect(reflect.ValueOf(v))
	typ := val.Type()
	result := make(map[string]any, val.NumField())

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch {
		case field.Type().Implements(textMarshalerType):
			text, _ := field.Interface().(encoding.TextMarshaler).MarshalText()
			result[key] = string(text)
		case field.Kind() == reflect.Struct:
			result[key] = toMap(field.Interface())
		default:
			result[key] = field.Interface()
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "# abrcore configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 30s, 5m, 1h, 1d, PT30S")
	fmt.Fprintln(w, "# Size format: 512KB, 64MB")
	fmt.Fprintln(w, "# License key format: url|headers|body|response")
	fmt.Fprintln(w)
	_, err = w.Write(out)
	return err
}
