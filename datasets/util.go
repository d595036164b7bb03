package datasets

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func parseFloat64(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// normalizeTimestampCell turns integral floats written by pandas for columns
// with missing values ("1676012345123.0") back into their integer form, so the
// cell names the artifact file. Anything else is returned trimmed.
func normalizeTimestampCell(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, ".eE") {
		return s
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || math.Abs(v) > 1<<53 {
		return s
	}
	return strconv.FormatInt(int64(v), 10)
}

func parseTimestamp(s string) (int64, error) {
	s = normalizeTimestampCell(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// headerIndex maps normalized (trimmed, lower-cased) column names to their
// position in the header. Unnamed columns, like a pandas index column, are
// skipped.
func headerIndex(header []string) map[string]int {
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.TrimSpace(strings.ToLower(strings.TrimPrefix(col, "\ufeff")))
		if name == "" {
			continue
		}
		if _, dup := colIndex[name]; !dup {
			colIndex[name] = i
		}
	}
	return colIndex
}

// cell returns the trimmed value of column col in record, or "" if the column
// is absent.
func cell(record []string, colIndex map[string]int, col string) string {
	i, ok := colIndex[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// readTrackCSV reads a whole track.csv, returning the header and rows.
func readTrackCSV(path string) (header []string, rows [][]string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.ReuseRecord = false
	header, err = reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	rows, err = reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return header, rows, nil
}

// sessionDir is one recorded traversal found under a dataset root.
type sessionDir struct {
	// name identifies the session in entries and split policies.
	name string
	// prefix is the storage key prefix of the session ("" for a root that is
	// itself a single track).
	prefix string
	// trackPath is the absolute path of its track.csv.
	trackPath string
}

// findSessions lists the sessions under root in lexicographic order. A root
// holding a track.csv itself is treated as a single session, named after the
// directory whatever path it was reached by.
func findSessions(root string) ([]sessionDir, error) {
	if path := filepath.Join(root, TrackFile); fileExists(path) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		return []sessionDir{{name: filepath.Base(abs), prefix: "", trackPath: path}}, nil
	}

	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var sessions []sessionDir
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := filepath.Join(root, de.Name(), TrackFile)
		if !fileExists(path) {
			continue
		}
		sessions = append(sessions, sessionDir{name: de.Name(), prefix: de.Name(), trackPath: path})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].name < sessions[j].name })
	return sessions, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
