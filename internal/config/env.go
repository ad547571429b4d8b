package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strings"
)

var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandSecrets replaces whole-value "${NAME}" references in secret fields.
// A reference to an unset variable is an error so a typo cannot silently
// publish with an empty key.
func expandSecrets(cfg *Config) error {
	fields := []struct {
		path string
		v    *string
	}{
		{"media.s3.access_key_id", &cfg.Media.S3.AccessKeyID},
		{"media.s3.secret_access_key", &cfg.Media.S3.SecretAccessKey},
		{"platforms.facebook.app_id", &cfg.Platforms.Facebook.AppID},
		{"platforms.facebook.app_secret", &cfg.Platforms.Facebook.AppSecret},
		{"platforms.twitter.consumer_key", &cfg.Platforms.Twitter.ConsumerKey},
		{"platforms.twitter.consumer_secret", &cfg.Platforms.Twitter.ConsumerSecret},
		{"status.token", &cfg.Status.Token},
	}
	for _, f := range fields {
		m := envRef.FindStringSubmatch(strings.TrimSpace(*f.v))
		if m == nil {
			continue
		}
		val, ok := os.LookupEnv(m[1])
		if !ok {
			return fmt.Errorf("%s: environment variable %s is not set", f.path, m[1])
		}
		*f.v = val
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
