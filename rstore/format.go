package rstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// document is a sectioned config file.
// Format:
//
//	[section name]
//	key=T{text value}
//	key=T{
//	multi-line text
//	}
//	key=B{base64encoded}
//	key=B{
//	base64encoded
//	over multiple lines
//	}
//
// Text encoding is used when a value holds only printable ASCII and no
// braces, binary otherwise. Entries before the first section header are
// kept under the empty section name.
type document map[string]section

type section map[string][]byte

func (d document) section(name string) section {
	s := d[name]
	if s == nil {
		s = make(section)
		d[name] = s
	}
	return s
}

func (d document) clone() document {
	out := make(document, len(d))
	for name, s := range d {
		cs := make(section, len(s))
		for k, v := range s {
			cs[k] = append([]byte(nil), v...)
		}
		out[name] = cs
	}
	return out
}

func needsBinaryEncoding(data []byte) bool {
	for _, b := range data {
		if b < 0x20 && b != '\n' && b != '\t' {
			return true
		}
		if b >= 0x7f || b == '{' || b == '}' {
			return true
		}
	}
	return false
}

func decodeBase64(key, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 for key %q: %w", key, err)
	}
	return b, nil
}

func readDocument(r io.Reader) (document, error) {
	doc := make(document)
	current := ""
	lineNo := 0

	var (
		multiKey  string
		multiBuf  bytes.Buffer
		multiBin  bool
		multiLine int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if multiKey != "" {
			if line != "}" {
				if multiBuf.Len() > 0 {
					multiBuf.WriteByte('\n')
				}
				multiBuf.WriteString(line)
				continue
			}
			value := bytes.Trim(multiBuf.Bytes(), "\n")
			if multiBin {
				decoded, err := decodeBase64(multiKey, strings.ReplaceAll(multiBuf.String(), "\n", ""))
				if err != nil {
					return nil, err
				}
				value = decoded
			}
			doc.section(current)[multiKey] = append([]byte(nil), value...)
			multiKey = ""
			multiBuf.Reset()
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSpace(line[1 : len(line)-1])
			doc.section(current)
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: expected key=value", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case value == "T{" || value == "B{":
			multiKey, multiBin, multiLine = key, value == "B{", lineNo
		case strings.HasPrefix(value, "T{") && strings.HasSuffix(value, "}"):
			doc.section(current)[key] = []byte(value[2 : len(value)-1])
		case strings.HasPrefix(value, "B{") && strings.HasSuffix(value, "}"):
			decoded, err := decodeBase64(key, value[2:len(value)-1])
			if err != nil {
				return nil, err
			}
			doc.section(current)[key] = decoded
		default:
			return nil, fmt.Errorf("line %d: value for %q must be T{...} or B{...}", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if multiKey != "" {
		return nil, fmt.Errorf("line %d: unterminated value for %q", multiLine, multiKey)
	}
	return doc, nil
}

func writeDocument(w io.Writer, doc document) error {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name != "" {
			if _, err := fmt.Fprintf(w, "[%s]\n", name); err != nil {
				return err
			}
		}
		if err := writeSection(w, doc[name]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeSection(w io.Writer, s section) error {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := s[key]
		var err error
		switch {
		case needsBinaryEncoding(value):
			err = writeBinary(w, key, value)
		case bytes.Contains(value, []byte{'\n'}):
			_, err = fmt.Fprintf(w, "%s=T{\n%s\n}\n", key, value)
		default:
			_, err = fmt.Fprintf(w, "%s=T{%s}\n", key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBinary(w io.Writer, key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if len(encoded) <= 60 {
		_, err := fmt.Fprintf(w, "%s=B{%s}\n", key, encoded)
		return err
	}
	if _, err := fmt.Fprintf(w, "%s=B{\n", key); err != nil {
		return err
	}
	for i := 0; i < len(encoded); i += 60 {
		end := min(i+60, len(encoded))
		if _, err := fmt.Fprintf(w, "%s\n", encoded[i:end]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

// atomicWriteFile writes data to path through a synced temp file and rename,
// so readers see either the old or the new content.
func atomicWriteFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0600); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.Expand(path, os.Getenv)
}
