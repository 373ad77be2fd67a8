package service

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/noah-isme/claimdocs-api/internal/models"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

type ruleLookup interface {
	Lookup(category string) (models.ValidationRule, error)
}

// ValidationResult reports every policy violation found in a candidate upload.
type ValidationResult struct {
	Rule         models.ValidationRule
	DetectedMIME string
	Extension    string
	Violations   []*appErrors.Error
}

// Valid reports whether the upload satisfies the rule.
func (r ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

// Err returns nil, the single violation, or POLICY_VIOLATION wrapping all of them.
func (r ValidationResult) Err() error {
	switch len(r.Violations) {
	case 0:
		return nil
	case 1:
		return r.Violations[0]
	}
	joined := make([]error, len(r.Violations))
	for i, v := range r.Violations {
		joined[i] = v
	}
	return &appErrors.Error{
		Code:    appErrors.ErrPolicyViolation.Code,
		Status:  appErrors.ErrPolicyViolation.Status,
		Message: appErrors.ErrPolicyViolation.Message,
		Details: r.Violations,
		Err:     errors.Join(joined...),
	}
}

// ContentValidator applies category rules to uploads.
type ContentValidator struct {
	policies ruleLookup
}

// NewContentValidator constructs a validator reading rules from policies.
func NewContentValidator(policies ruleLookup) *ContentValidator {
	return &ContentValidator{policies: policies}
}

// Validate runs every check and collects all violations. The declared MIME type
// is recorded by the caller but never trusted; the type comes from the bytes.
func (v *ContentValidator) Validate(data []byte, declaredMIME, filename, category string) ValidationResult {
	rule, err := v.policies.Lookup(category)
	if err != nil {
		return ValidationResult{Violations: []*appErrors.Error{appErrors.FromError(err)}}
	}

	result := ValidationResult{
		Rule:      rule,
		Extension: ExtensionOf(filename),
	}

	if len(data) == 0 {
		result.Violations = append(result.Violations, appErrors.ErrEmptyDocument)
	} else if int64(len(data)) > rule.MaxSizeBytes {
		result.Violations = append(result.Violations, appErrors.WithDetails(appErrors.ErrSizeExceeded, map[string]int64{
			"size_bytes":     int64(len(data)),
			"max_size_bytes": rule.MaxSizeBytes,
		}))
	}

	detected := mimetype.Detect(data)
	result.DetectedMIME = baseMIME(detected.String())
	if !mimeAllowed(detected, rule.AllowedMIMETypes) {
		result.Violations = append(result.Violations, appErrors.WithDetails(appErrors.ErrTypeNotAllowed, map[string]interface{}{
			"detected_mime_type": result.DetectedMIME,
			"declared_mime_type": declaredMIME,
			"allowed":            []string(rule.AllowedMIMETypes),
		}))
	}

	if !contains(rule.AllowedExtensions, result.Extension) {
		result.Violations = append(result.Violations, appErrors.WithDetails(appErrors.ErrExtensionNotAllowed, map[string]interface{}{
			"extension": result.Extension,
			"allowed":   []string(rule.AllowedExtensions),
		}))
	}
	return result
}

// ExtensionOf returns the lower-case extension of an untrusted filename without the dot.
func ExtensionOf(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	return normalizeExtension(path.Ext(base))
}

// SanitizeFilename strips directories and control characters from a display name.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, base)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == "/" {
		return "document"
	}
	if runes := []rune(cleaned); len(runes) > 255 {
		cleaned = string(runes[:255])
	}
	return cleaned
}

func mimeAllowed(detected *mimetype.MIME, allowed []string) bool {
	for _, candidate := range allowed {
		if detected.Is(candidate) {
			return true
		}
	}
	return false
}

func baseMIME(value string) string {
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func contains(values []string, target string) bool {
	if target == "" {
		return false
	}
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func describeViolations(violations []*appErrors.Error) string {
	codes := make([]string, len(violations))
	for i, v := range violations {
		codes[i] = v.Code
	}
	return fmt.Sprintf("[%s]", strings.Join(codes, ","))
}
