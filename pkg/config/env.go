package config

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// ReadEnvConfig reads an env.config file of KEY=VALUE lines. A missing or
// unreadable file yields an empty map.
func ReadEnvConfig(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}
	}
	defer f.Close()
	return parseEnv(f)
}

// parseEnv keeps the last value seen for each key.
func parseEnv(r io.Reader) map[string]string {
	values := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if key, value, ok := parseEnvLine(sc.Text()); ok {
			values[key] = value
		}
	}
	return values
}

// parseEnvLine accepts shell-style assignments: an optional "export " prefix
// and a value wrapped in matching single or double quotes.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	key, value, ok = strings.Cut(strings.TrimPrefix(line, "export "), "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		value = value[1 : n-1]
	}
	return key, value, true
}
