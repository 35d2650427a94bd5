package creds

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Bootstrap keys mirrored into the env file after every credential change, so a
// restart without the tokens file still picks up a usable token.
const (
	EnvAccessKey  = "TWITCH_BOT_TOKEN"
	EnvRefreshKey = "TWITCH_REFRESH_TOKEN"
	EnvExpiresKey = "TWITCH_TOKEN_EXPIRES_AT"
)

// MirrorToEnv rewrites the credential's bootstrap keys in the env file.
func MirrorToEnv(path string, cred Credential) error {
	return WriteEnvValues(path, map[string]string{
		EnvAccessKey:  cred.AccessToken,
		EnvRefreshKey: cred.RefreshToken,
		EnvExpiresKey: strconv.FormatInt(cred.ExpiresAt, 10),
	})
}

// WriteEnvValues updates KEY=value lines in place, preserving every other line
// as-is, and appends keys that are not present yet (sorted, for stable output).
// The file is created if it does not exist.
func WriteEnvValues(path string, values map[string]string) error {
	var lines []string
	if b, err := os.ReadFile(path); err == nil {
		if len(b) > 0 {
			lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read env file: %w", err)
	}

	seen := make(map[string]bool, len(values))
	for i, line := range lines {
		for k, v := range values {
			if strings.HasPrefix(line, k+"=") {
				lines[i] = k + "=" + v
				seen[k] = true
			}
		}
	}

	missing := make([]string, 0, len(values))
	for k := range values {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		lines = append(lines, k+"="+values[k])
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}
