package backlog

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openjobspec/alphasim/internal/core"
)

// DecodeSpecs reads specs as a JSON array or as a stream of JSON objects
// (JSON Lines). Every spec must validate.
func DecodeSpecs(r io.Reader) ([]core.JobSpec, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	var specs []core.JobSpec
	if first == '[' {
		if err := dec.Decode(&specs); err != nil {
			return nil, fmt.Errorf("decode spec array: %w", err)
		}
	} else {
		for {
			var s core.JobSpec
			err := dec.Decode(&s)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode spec %d: %w", len(specs)+1, err)
			}
			specs = append(specs, s)
		}
	}

	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i+1, err)
		}
	}
	return specs, nil
}

// ImportCSV reads the generator's CSV export: a type,settings,regular header
// with settings written as a Python dict literal.
func ImportCSV(r io.Reader) ([]core.JobSpec, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	regularCol, ok := col["regular"]
	if !ok {
		return nil, fmt.Errorf("csv header %v has no regular column", header)
	}

	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var specs []core.JobSpec
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return specs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if regularCol >= len(row) {
			return nil, fmt.Errorf("csv line %d: %w: missing regular", line, core.ErrMalformedRecord)
		}

		spec := core.JobSpec{Type: field(row, "type"), Regular: row[regularCol]}
		if raw := strings.TrimSpace(field(row, "settings")); raw != "" {
			settings, err := pyLiteralToJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("csv line %d settings: %w", line, err)
			}
			if err := json.Unmarshal(settings, &spec.Settings); err != nil {
				return nil, fmt.Errorf("csv line %d settings: %w: %v", line, core.ErrMalformedRecord, err)
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		specs = append(specs, spec)
	}
}

// pyLiteralToJSON rewrites a Python dict/list literal of strings, numbers,
// booleans and None into JSON.
func pyLiteralToJSON(src string) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			end, s, err := scanPyString(src, i)
			if err != nil {
				return nil, err
			}
			quoted, _ := json.Marshal(s)
			out.Write(quoted)
			i = end
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(src) && strings.IndexByte("0123456789.eE+-", src[j]) >= 0 {
				j++
			}
			out.WriteString(src[i:j])
			i = j - 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentStart(src[j]) {
				j++
			}
			switch word := src[i:j]; word {
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				return nil, fmt.Errorf("%w: unexpected identifier %q", core.ErrMalformedRecord, word)
			}
			i = j - 1
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes(), nil
}

func scanPyString(src string, start int) (int, string, error) {
	quote := src[start]
	var sb strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch c := src[i]; {
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i])
			}
		case c == quote:
			return i, sb.String(), nil
		default:
			sb.WriteByte(c)
		}
	}
	return 0, "", fmt.Errorf("%w: unterminated string", core.ErrMalformedRecord)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
