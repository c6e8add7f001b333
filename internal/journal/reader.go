package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
)

// ReadSegment decodes every record in one segment file.
func ReadSegment(path string) ([]Record, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path must be provided")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var records []Record
	for line := 1; scanner.Scan(); line++ {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		if record.Event == nil {
			return nil, fmt.Errorf("%s line %d: record without event", filepath.Base(path), line)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// ReadDir loads every segment in dir, ordered by segment name and then event sequence.
func ReadDir(dir string) ([]Record, error) {
	segments, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, segment := range segments {
		records, err := ReadSegment(segment)
		if err != nil {
			return nil, err
		}
		//1.- Keep per-segment order stable; sequences restart with each process.
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Event.Sequence < records[j].Event.Sequence
		})
		all = append(all, records...)
	}
	return all, nil
}

// Segments lists the segment files in dir, oldest first.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SegmentSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}
