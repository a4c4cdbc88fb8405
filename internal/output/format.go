package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// Serialize renders output (the Execution's raw JSON output) according
// to format. templateBody is only consulted when format ==
// FormatTemplate. Returns rerrors.KindFormat on any failure (spec
// §4.H.2, §7's FormatError: "delivery-only", never retryable).
func Serialize(format Format, output json.RawMessage, templateBody string, tmplCtx Context) ([]byte, error) {
	switch format {
	case FormatJson:
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", fmt.Errorf("decode output: %w", err))
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", err)
		}
		return b, nil

	case FormatJsonCompact, "":
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", fmt.Errorf("decode output: %w", err))
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", err)
		}
		return b, nil

	case FormatYaml:
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", fmt.Errorf("decode output: %w", err))
		}
		b, err := yaml.Marshal(jsonToYamlSafe(v))
		if err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", err)
		}
		return b, nil

	case FormatCsv:
		return serializeCsv(output)

	case FormatRaw:
		var s string
		if err := json.Unmarshal(output, &s); err == nil {
			return []byte(s), nil
		}
		return output, nil

	case FormatTemplate:
		ctx := tmplCtx
		ctx.OutputData = string(output)
		ctx.OutputSize = len(output)
		body, _ := Expand(templateBody, ctx)
		return []byte(body), nil

	default:
		return nil, rerrors.Newf(rerrors.KindFormat, "output", "unknown format %q", format)
	}
}

// jsonToYamlSafe recursively converts map[string]interface{} (the
// shape encoding/json decodes objects into) so yaml.v2 encodes it the
// way a hand-authored YAML document would, rather than as a Go map
// with arbitrary key order.
func jsonToYamlSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[interface{}]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonToYamlSafe(val)
		}
		return out
	case []any:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonToYamlSafe(val)
		}
		return out
	default:
		return v
	}
}

// serializeCsv requires output to be a JSON array of flat objects
// (spec §4.H.2); anything else fails with FormatError.
func serializeCsv(output json.RawMessage) ([]byte, error) {
	var rows []map[string]any
	if err := json.Unmarshal(output, &rows); err != nil {
		return nil, rerrors.New(rerrors.KindFormat, "output", fmt.Errorf("csv format requires an array of flat objects: %w", err))
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}

	headerSet := make(map[string]bool)
	for _, row := range rows {
		for k, v := range row {
			if _, ok := v.(map[string]any); ok {
				return nil, rerrors.Newf(rerrors.KindFormat, "output", "csv format requires flat objects; field %q is nested", k)
			}
			if _, ok := v.([]any); ok {
				return nil, rerrors.Newf(rerrors.KindFormat, "output", "csv format requires flat objects; field %q is an array", k)
			}
			headerSet[k] = true
		}
	}
	headers := make([]string, 0, len(headerSet))
	for k := range headerSet {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, rerrors.New(rerrors.KindFormat, "output", err)
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			if v, ok := row[h]; ok && v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, rerrors.New(rerrors.KindFormat, "output", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, rerrors.New(rerrors.KindFormat, "output", err)
	}
	return []byte(buf.String()), nil
}
