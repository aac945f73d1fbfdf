package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTokenFile is where tokens live unless configured otherwise.
const DefaultTokenFile = "~/.ssh/tokens.json"

// LoadAccessToken reads a JSON object mapping "<host><suffix>" to a token.
// A leading "~/" in tokenFile is expanded to the home directory.
func LoadAccessToken(tokenFile, host, suffix string) (string, error) {
	path, err := expandHome(tokenFile)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	var tokens map[string]string
	if err := json.Unmarshal(b, &tokens); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", path, err)
	}
	key := host + suffix
	tok, ok := tokens[key]
	if !ok || tok == "" {
		return "", fmt.Errorf("no token for %q in %s", key, path)
	}
	return tok, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
