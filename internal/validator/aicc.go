package validator

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"path"
	"strings"
)

const defaultAICCTitle = "AICC Course"

// parseAICC builds a manifest from the course (.crs) and assignable unit
// (.au) files. A missing or unreadable .crs still yields a valid package.
func parseAICC(files map[string][]string, read func(string) ([]byte, error)) (*Manifest, error) {
	m := &Manifest{
		Standard: Classify(Signals{HasAICC: true}),
		Title:    defaultAICCTitle,
	}
	for _, ext := range []string{".crs", ".au", ".des"} {
		if list := files[ext]; len(list) > 0 {
			m.Descriptor = list[0]
			break
		}
	}

	var entry string
	if crs := files[".crs"]; len(crs) > 0 {
		if data, err := read(crs[0]); err == nil {
			kv := parseKeyValues(data)
			if v := kv["course_title"]; v != "" {
				m.Title = v
			}
			m.Description = kv["course_description"]
			m.Identifier = kv["course_id"]
			m.Version = kv["version"]
			entry = kv["file_name"]
		}
	}
	if entry == "" {
		if au := files[".au"]; len(au) > 0 {
			if data, err := read(au[0]); err == nil {
				entry = auFileName(data)
			}
		}
	}
	if entry != "" {
		m.EntryPoint = path.Join(path.Dir(m.Descriptor), cleanHref(entry))
	}
	return m, nil
}

// parseKeyValues reads the INI style course file. Keys are lowercased,
// section headers and comments are skipped.
func parseKeyValues(data []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimPrefix(strings.TrimSpace(sc.Text()), "\ufeff")
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, seen := out[key]; !seen {
			out[key] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return out
}

// auFileName returns the File_Name column of the first unit row.
func auFileName(data []byte) string {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return ""
	}
	col := -1
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		if strings.EqualFold(h, "file_name") {
			col = i
			break
		}
	}
	if col < 0 {
		return ""
	}
	for {
		row, err := r.Read()
		if err != nil {
			// io.EOF included: no unit row names a file.
			return ""
		}
		if col < len(row) && strings.TrimSpace(row[col]) != "" {
			return strings.TrimSpace(row[col])
		}
	}
}
