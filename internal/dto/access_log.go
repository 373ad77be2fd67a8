package dto

// AccessLogQuery pages through a document's access trail.
type AccessLogQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

// ExportFile is a rendered access-log export.
type ExportFile struct {
	Filename    string
	ContentType string
	Content     []byte
}
