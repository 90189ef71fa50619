package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile checks a config file's structure without resolving env vars,
// so it can run on a machine that does not hold the secrets.
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", Version)
	} else if version != Version {
		result.addError("version", "unsupported version '%s' - use '%s'", version, Version)
	}

	validateProviderStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)

	return result, nil
}

func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		result.addError("provider", "provider field is required and must be an object")
		return
	}

	for _, field := range []string{"clientId", "redirectUri"} {
		if _, ok := provider[field]; !ok {
			result.addError("provider."+field, "%s is required", field)
		}
	}

	secret, ok := provider["clientSecret"]
	if !ok {
		result.addError("provider.clientSecret", "clientSecret is required")
	} else if verr := validateEnvVarReference(secret, "clientSecret", "provider.clientSecret"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}

	if timeout, ok := provider["timeout"].(string); ok {
		if _, err := parseDuration("timeout", timeout); err != nil {
			result.addError("provider.timeout", "%v", err)
		}
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := rawConfig["session"].(map[string]any)
	if !ok {
		result.addError("session", "session field is required and must be an object")
		return
	}

	secret, ok := session["signingSecret"]
	if !ok {
		result.addError("session.signingSecret", "signingSecret is required")
	} else if verr := validateEnvVarReference(secret, "signingSecret", "session.signingSecret"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}

	for _, field := range []string{"tokenTtl", "stateTtl", "refreshCookieTtl"} {
		if v, ok := session[field].(string); ok {
			if _, err := parseDuration(field, v); err != nil {
				result.addError("session."+field, "%v", err)
			}
		}
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}
	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
	case StorageSQLite, StoragePostgres:
		if _, ok := storage["dsn"]; !ok {
			result.addError("storage.dsn", "dsn is required for %s storage", kind)
		}
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required for firestore storage")
		}
	default:
		result.addError("storage.kind", "unsupported storage kind '%s' - use memory, sqlite, postgres or firestore", kind)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively warns about ${VAR} style references,
// which are not expanded.
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName),
			})
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
