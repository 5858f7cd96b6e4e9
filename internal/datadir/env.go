package datadir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileEnvVar names a single .env file to load instead of the defaults.
const EnvFileEnvVar = "MAGRAY_ENV_FILE"

// LoadEnv loads KEY=VALUE lines so that ${VAR} references in the config file
// resolve. Files are read from {root}/.env and then ./.env; the first file to
// set a key wins and variables already in the environment are never touched.
// It returns the files that were actually read.
func LoadEnv(root string) ([]string, error) {
	var candidates []string
	if override := os.Getenv(EnvFileEnvVar); override != "" {
		candidates = []string{override}
	} else {
		if root != "" {
			candidates = append(candidates, filepath.Join(root, ".env"))
		}
		if cwd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(cwd, ".env"))
		}
	}

	var loaded []string
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	for _, p := range candidates {
		clean := filepath.Clean(p)
		if visited[clean] {
			continue
		}
		visited[clean] = true

		ok, err := loadEnvFile(clean, seen)
		if err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", clean, err)
		}
		if ok {
			loaded = append(loaded, clean)
		}
	}
	return loaded, nil
}

// loadEnvFile reports false without error when path does not exist.
func loadEnvFile(path string, seen map[string]bool) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if seen[key] {
			continue
		}
		seen[key] = true
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return true, err
		}
	}
	return true, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
