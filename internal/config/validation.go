package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ValidationError is one configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects configuration problems so they can be reported at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateURL checks value parses as a URL with one of the given schemes.
func (v *Validator) ValidateURL(key, value string, schemes ...string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("URL scheme must be one of: %s", strings.Join(schemes, ", ")))
}

// ValidatePort accepts "port", ":port" or "host:port".
func (v *Validator) ValidatePort(key, value string) {
	if value == "" {
		return
	}
	portStr := value
	if i := strings.LastIndex(value, ":"); i >= 0 {
		portStr = value[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

func (v *Validator) ValidateEnum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) ValidatePositiveInt(key, value string) {
	if value == "" {
		return
	}
	num, err := strconv.Atoi(value)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return
	}
	if num <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

func (v *Validator) ValidatePositiveFloat(key, value string) {
	if value == "" {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		v.AddError(key, "must be a number")
		return
	}
	if f <= 0 {
		v.AddError(key, "must be positive")
	}
}

func (v *Validator) ValidateDuration(key, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g., 30m, 24h)")
		return
	}
	if d <= 0 {
		v.AddError(key, "must be a positive duration")
	}
}

func (v *Validator) ValidateBool(key, value string) {
	v.ValidateEnum(key, value, []string{"true", "false"})
}

// ValidateFile checks that value, if set, names an existing regular file.
func (v *Validator) ValidateFile(key, value string) {
	if value == "" {
		return
	}
	info, err := os.Stat(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("cannot stat file: %v", err))
		return
	}
	if info.IsDir() {
		v.AddError(key, "must be a file, not a directory")
	}
}

// Validate checks every VOLSEG_* variable and DATABASE_URL.
func Validate() error {
	v := NewValidator()

	v.ValidatePort("VOLSEG_ADDR", os.Getenv("VOLSEG_ADDR"))

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
			v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
		}
	}

	if endpoint := os.Getenv("VOLSEG_S3_ENDPOINT"); strings.Contains(endpoint, "://") {
		v.ValidateURL("VOLSEG_S3_ENDPOINT", endpoint, "http", "https")
	}
	s3Keys := []string{"VOLSEG_S3_ENDPOINT", "VOLSEG_S3_ACCESS_KEY", "VOLSEG_S3_SECRET_KEY", "VOLSEG_BUCKET"}
	set := 0
	for _, k := range s3Keys {
		if os.Getenv(k) != "" {
			set++
		}
	}
	if set > 0 && set < len(s3Keys) {
		v.AddError("VOLSEG_S3_*", "endpoint, access key, secret key and bucket must be set together")
	}

	if strings.TrimSpace(os.Getenv("VOLSEG_PIPELINE_CMD")) == "" && os.Getenv("VOLSEG_PIPELINE_CMD") != "" {
		v.AddError("VOLSEG_PIPELINE_CMD", "must not be blank")
	}
	v.ValidateFile("VOLSEG_MODELS_FILE", os.Getenv("VOLSEG_MODELS_FILE"))
	v.ValidateBool("VOLSEG_MODEL_STRICT", os.Getenv("VOLSEG_MODEL_STRICT"))
	v.ValidateBool("VOLSEG_JANITOR_ENABLED", os.Getenv("VOLSEG_JANITOR_ENABLED"))

	for _, k := range []string{"VOLSEG_PIPELINE_TIMEOUT", "VOLSEG_BREAKER_OPEN_TIMEOUT", "VOLSEG_JOB_MAX_AGE", "VOLSEG_JANITOR_INTERVAL"} {
		v.ValidateDuration(k, os.Getenv(k))
	}
	for _, k := range []string{"VOLSEG_MAX_CONCURRENT_RUNS", "VOLSEG_BREAKER_MAX_FAILURES", "VOLSEG_MAX_UPLOAD_BYTES", "VOLSEG_RATE_LIMIT_BURST", "VOLSEG_JOB_MAX_AGE_HOURS"} {
		v.ValidatePositiveInt(k, os.Getenv(k))
	}
	v.ValidatePositiveFloat("VOLSEG_RATE_LIMIT_RPS", os.Getenv("VOLSEG_RATE_LIMIT_RPS"))

	v.ValidateEnum("VOLSEG_LOG_FORMAT", os.Getenv("VOLSEG_LOG_FORMAT"), []string{"json", "text"})
	v.ValidateEnum("VOLSEG_LOG_LEVEL", os.Getenv("VOLSEG_LOG_LEVEL"), []string{"debug", "info", "warn", "error"})
	v.ValidateEnum("VOLSEG_ENV", os.Getenv("VOLSEG_ENV"), []string{"development", "production", "staging"})

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// Warnings lists optional but recommended settings that are missing.
func Warnings() []string {
	var warnings []string
	if os.Getenv("DATABASE_URL") == "" {
		warnings = append(warnings, "DATABASE_URL not set - run history kept in memory only")
	}
	if os.Getenv("VOLSEG_BUCKET") == "" {
		warnings = append(warnings, "VOLSEG_BUCKET not set - downloaded archives are not mirrored")
	}
	if os.Getenv("VOLSEG_LOG_FORMAT") == "" && os.Getenv("VOLSEG_ENV") != "production" {
		warnings = append(warnings, "VOLSEG_LOG_FORMAT not set - using text format (consider 'json' for production)")
	}
	return warnings
}
