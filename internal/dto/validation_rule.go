package dto

// UpsertValidationRuleRequest describes an administrative rule change.
type UpsertValidationRuleRequest struct {
	MaxSizeBytes      int64    `json:"max_size_bytes" validate:"required,gt=0"`
	AllowedMIMETypes  []string `json:"allowed_mime_types" validate:"required,min=1,dive,required"`
	AllowedExtensions []string `json:"allowed_extensions" validate:"required,min=1,dive,required"`
	RequireEncryption *bool    `json:"require_encryption"`
	RequireScan       bool     `json:"require_scan"`
}

// PolicySnapshotInfo summarises the rule set currently in force.
type PolicySnapshotInfo struct {
	Version    int64  `json:"version"`
	Categories int    `json:"categories"`
	LoadedAt   string `json:"loaded_at"`
}
