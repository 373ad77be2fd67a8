package export

import "fmt"

// Column describes one exported field.
type Column struct {
	Key   string
	Title string
	// Width is the PDF column width in millimetres; zero shares the remaining space.
	Width float64
}

// Dataset defines tabular export content.
type Dataset struct {
	Title    string
	Subtitle string
	Columns  []Column
	Rows     []map[string]string
	Footer   []string
}

// Exporter renders a dataset into a downloadable file.
type Exporter interface {
	Render(data Dataset) ([]byte, error)
	ContentType() string
	Extension() string
}

// ForFormat returns the exporter registered for the format name.
func ForFormat(format string) (Exporter, error) {
	switch format {
	case "", "csv":
		return NewCSVExporter(), nil
	case "pdf":
		return NewPDFExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func (d Dataset) validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("export requires at least one column")
	}
	return nil
}
