package engine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "gopkg.in/yaml.v3"

	"github.com/contexhq/contex/pkg/models"
)

// Supported ingress formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatXML  = "xml"
	FormatCSV  = "csv"
	FormatText = "text"
)

// Normalize decodes raw bytes in the named format into a canonical
// Document. An empty format defaults to JSON.
func Normalize(format string, raw []byte) (models.Document, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return models.Document{}, models.NewValidationError("data", fmt.Sprintf("invalid JSON: %v", err))
		}
		return models.NewDocument(v)
	case FormatYAML:
		var v interface{}
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return models.Document{}, models.NewValidationError("data", fmt.Sprintf("invalid YAML: %v", err))
		}
		return models.NewDocument(v)
	case FormatTOML:
		var v map[string]interface{}
		if err := toml.Unmarshal(raw, &v); err != nil {
			return models.Document{}, models.NewValidationError("data", fmt.Sprintf("invalid TOML: %v", err))
		}
		return models.NewDocument(v)
	case FormatXML:
		v, err := decodeXML(raw)
		if err != nil {
			return models.Document{}, models.NewValidationError("data", fmt.Sprintf("invalid XML: %v", err))
		}
		return models.NewDocument(v)
	case FormatCSV:
		v, err := decodeCSV(raw)
		if err != nil {
			return models.Document{}, models.NewValidationError("data", fmt.Sprintf("invalid CSV: %v", err))
		}
		return models.NewDocument(v)
	case FormatText:
		return models.NewDocument(strings.TrimSpace(string(raw)))
	default:
		return models.Document{}, models.NewValidationError("data_format", fmt.Sprintf("unsupported format %q", format))
	}
}

// decodeXML maps an XML document onto nested objects: child elements
// become members, repeated names become arrays, attributes become
// regular members, and leaf elements become their text content.
func decodeXML(raw []byte) (interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var parseElement func(start xml.StartElement) (interface{}, error)
	parseElement = func(start xml.StartElement) (interface{}, error) {
		children := make(map[string]interface{})
		for _, attr := range start.Attr {
			children[attr.Name.Local] = attr.Value
		}
		var text strings.Builder
		for {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				child, err := parseElement(t)
				if err != nil {
					return nil, err
				}
				name := t.Name.Local
				if existing, ok := children[name]; ok {
					if arr, ok := existing.([]interface{}); ok {
						children[name] = append(arr, child)
					} else {
						children[name] = []interface{}{existing, child}
					}
				} else {
					children[name] = child
				}
			case xml.CharData:
				text.Write(t)
			case xml.EndElement:
				if len(children) == 0 {
					return strings.TrimSpace(text.String()), nil
				}
				return children, nil
			}
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no root element")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			root, err := parseElement(start)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{start.Name.Local: root}, nil
		}
	}
}

// decodeCSV maps rows onto objects keyed by the header row.
func decodeCSV(raw []byte) (interface{}, error) {
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	header := records[0]
	rows := make([]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
