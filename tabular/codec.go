package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Codec reads and writes tables in one file format.
type Codec interface {
	// Format returns the canonical extension handled by the codec.
	Format() string
	Encode(w io.Writer, t *Table) error
	Decode(r io.Reader) (*Table, error)
}

var codecs = map[string]Codec{
	"csv":     csvCodec{},
	"json":    jsonCodec{},
	"yaml":    yamlCodec{},
	"yml":     yamlCodec{},
	"msgpack": msgpackCodec{},
	"mpk":     msgpackCodec{},
}

// CodecFor returns the codec for a file extension. The lookup ignores case
// and an optional leading dot.
func CodecFor(ext string) (Codec, error) {
	key := strings.ToLower(strings.TrimPrefix(ext, "."))
	codec, ok := codecs[key]
	if !ok {
		return nil, fmt.Errorf("unsupported table format %q (supported: %s)", ext, strings.Join(Formats(), ", "))
	}
	return codec, nil
}

// Formats returns the supported extensions, sorted.
func Formats() []string {
	formats := make([]string, 0, len(codecs))
	for ext := range codecs {
		formats = append(formats, ext)
	}
	sort.Strings(formats)
	return formats
}

// Marshal encodes a table with the codec for ext.
func Marshal(ext string, t *Table) ([]byte, error) {
	codec, err := CodecFor(ext)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := codec.Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a table with the codec for ext.
func Unmarshal(ext string, data []byte) (*Table, error) {
	codec, err := CodecFor(ext)
	if err != nil {
		return nil, err
	}
	return codec.Decode(bytes.NewReader(data))
}

// formatFloat renders integral floats with a trailing ".0" so that they
// decode as floats again.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

type csvCodec struct{}

func (csvCodec) Format() string { return "csv" }

func (csvCodec) Encode(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for j, cell := range row {
			switch v := cell.(type) {
			case nil:
				record[j] = ""
			case string:
				record[j] = v
			case int64:
				record[j] = strconv.FormatInt(v, 10)
			case float64:
				record[j] = formatFloat(v)
			case bool:
				record[j] = strconv.FormatBool(v)
			default:
				return fmt.Errorf("unsupported cell type %T", cell)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (csvCodec) Decode(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return &Table{Columns: []string{}, Rows: [][]any{}}, nil
	}
	rows := make([][]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]any, len(record))
		for j, field := range record {
			row[j] = parseCSVField(field)
		}
		rows = append(rows, row)
	}
	return NewTable(records[0], rows)
}

// parseCSVField infers the cell type of a csv field: empty is nil, then
// integer, float, bool and finally string.
func parseCSVField(field string) any {
	if field == "" {
		return nil
	}
	if i, err := strconv.ParseInt(field, 10, 64); err == nil {
		return i
	}
	if strings.ContainsAny(field, "0123456789") {
		if f, err := strconv.ParseFloat(field, 64); err == nil {
			return f
		}
	}
	switch field {
	case "true":
		return true
	case "false":
		return false
	}
	return field
}

type jsonCodec struct{}

func (jsonCodec) Format() string { return "json" }

func (jsonCodec) Encode(w io.Writer, t *Table) error {
	doc := struct {
		Columns []string `json:"columns"`
		Data    [][]any  `json:"data"`
	}{Columns: t.Columns, Data: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		out := make([]any, len(row))
		for j, cell := range row {
			if f, ok := cell.(float64); ok {
				if math.IsInf(f, 0) || math.IsNaN(f) {
					return fmt.Errorf("json cannot encode %v", f)
				}
				out[j] = json.Number(formatFloat(f))
				continue
			}
			out[j] = cell
		}
		doc.Data[i] = out
	}
	return json.NewEncoder(w).Encode(doc)
}

func (jsonCodec) Decode(r io.Reader) (*Table, error) {
	var doc struct {
		Columns []string `json:"columns"`
		Data    [][]any  `json:"data"`
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode json table: %w", err)
	}
	return NewTable(doc.Columns, doc.Data)
}

type yamlCodec struct{}

func (yamlCodec) Format() string { return "yaml" }

func (yamlCodec) Encode(w io.Writer, t *Table) error {
	columns := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, column := range t.Columns {
		columns.Content = append(columns.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Value: column,
			Style: yaml.DoubleQuotedStyle,
		})
	}
	data := &yaml.Node{Kind: yaml.SequenceNode}
	for _, row := range t.Rows {
		rowNode := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, cell := range row {
			cellNode, err := yamlCell(cell)
			if err != nil {
				return err
			}
			rowNode.Content = append(rowNode.Content, cellNode)
		}
		data.Content = append(data.Content, rowNode)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "columns"}, columns,
		{Kind: yaml.ScalarNode, Value: "data"}, data,
	}}
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func yamlCell(cell any) (*yaml.Node, error) {
	switch v := cell.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.DoubleQuotedStyle}, nil
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(v, 10)}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}, nil
	case float64:
		var value string
		switch {
		case math.IsNaN(v):
			value = ".nan"
		case math.IsInf(v, 1):
			value = ".inf"
		case math.IsInf(v, -1):
			value = "-.inf"
		default:
			value = formatFloat(v)
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: value}, nil
	default:
		return nil, fmt.Errorf("unsupported cell type %T", cell)
	}
}

func (yamlCodec) Decode(r io.Reader) (*Table, error) {
	var doc struct {
		Columns []string `yaml:"columns"`
		Data    [][]any  `yaml:"data"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode yaml table: %w", err)
	}
	return NewTable(doc.Columns, doc.Data)
}

type msgpackCodec struct{}

func (msgpackCodec) Format() string { return "msgpack" }

type msgpackDoc struct {
	Columns []string `msgpack:"columns"`
	Data    [][]any  `msgpack:"data"`
}

func (msgpackCodec) Encode(w io.Writer, t *Table) error {
	return msgpack.NewEncoder(w).Encode(&msgpackDoc{Columns: t.Columns, Data: t.Rows})
}

func (msgpackCodec) Decode(r io.Reader) (*Table, error) {
	var doc msgpackDoc
	if err := msgpack.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack table: %w", err)
	}
	return NewTable(doc.Columns, doc.Data)
}
