package config

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// skippedConfigFlags is the list of command line flags that are not expected in the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// configValueToString converts a JSON config value to its string representation suitable for flag setting.
func configValueToString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NullValue:
		return "", errors.New("null is not a flag value")
	case *structpb.Value_ListValue:
		return "", errors.New("lists are not supported")
	default:
		return "", fmt.Errorf("unsupported value kind: %T", kind)
	}
}

// collectConfigFlags collects all flag values from the given config object into `flags`.
// Nested objects are walked; their keys share the same flat flag namespace.
func collectConfigFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, conf *structpb.Struct) error {
	// Walk keys in order so errors are stable.
	for _, key := range slices.Sorted(maps.Keys(conf.GetFields())) {
		value := conf.GetFields()[key]
		if nested := value.GetStructValue(); nested != nil {
			if err := collectConfigFlags(flags, nested); err != nil {
				return err
			}
			continue
		}
		stringValue, err := configValueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert '%s': %w", key, err)
		}
		// Check for duplicate flag entries.
		if _, alreadyExists := flags[key]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config", key)
		}
		flags[key] = stringValue
	}
	return nil
}

// setConfigFlags sets all the filled flags in the given `conf` to the global flag variables.
// It is all or nothing: if any entry fails, the flags it already set are reverted.
func setConfigFlags(conf *structpb.Struct) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectConfigFlags(configFlags, conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	flagNames := slices.Sorted(maps.Keys(configFlags))
	for _, flagName := range flagNames {
		if flag.Lookup(flagName) == nil {
			return fmt.Errorf("config entry '%s' names no registered flag", flagName)
		}
	}
	previousValues := make(map[ /*flagName*/ string] /*flagValue*/ string, len(flagNames))
	for _, flagName := range flagNames {
		previousValues[flagName] = flag.Lookup(flagName).Value.String()
		if setErr := flag.Set(flagName, configFlags[flagName]); setErr != nil {
			for revertName, revertValue := range previousValues {
				_ = flag.Set(revertName, revertValue) // Held this value before, so it parses.
			}
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnregisteredFlags collects all flags that haven't been given an entry in `conf`, and all entries of
// `conf` that name no flag. An error exists in the results corresponding to each mismatch.
func CollectUnregisteredFlags(conf *structpb.Struct) []error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectConfigFlags(configFlags, conf); err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := configFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in config", f.Name))
		}
	})
	for _, flagName := range slices.Sorted(maps.Keys(configFlags)) {
		if flag.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("config entry '%s' names no registered flag", flagName))
		}
	}
	return errs
}
