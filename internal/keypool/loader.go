package keypool

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile builds a pool from a key file: one credential per line, blank
// lines and '#' comments skipped. A file yielding no credentials is a
// configuration error.
func LoadFile(path string) (*Pool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer file.Close()

	var credentials []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		credentials = append(credentials, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("key file %s contains no credentials", path)
	}

	pool, err := New(credentials)
	if err != nil {
		return nil, fmt.Errorf("load key file %s: %w", path, err)
	}
	return pool, nil
}
