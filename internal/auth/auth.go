// Package auth maps API keys to device labels.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownLabel is the label returned for unrecognized keys when
// authentication is not required.
const UnknownLabel = "Unknown Device"

// Credential is one configured API key and the label of the device it
// belongs to.
type Credential struct {
	Key   string `mapstructure:"key"`
	Label string `mapstructure:"label"`
}

// Credentials is a read-only API key lookup table.
type Credentials struct {
	labels   map[string]string
	required bool
}

// New builds the lookup table. When required is false every key, including
// an empty one, is accepted.
func New(required bool, creds []Credential) (*Credentials, error) {
	labels := make(map[string]string, len(creds))
	for i, c := range creds {
		key := strings.TrimSpace(c.Key)
		if key == "" {
			return nil, fmt.Errorf("credential %d: key cannot be empty", i)
		}
		if _, dup := labels[key]; dup {
			return nil, fmt.Errorf("credential %d: duplicate key", i)
		}
		labels[key] = strings.TrimSpace(c.Label)
	}

	if required && len(labels) == 0 {
		return nil, errors.New("authentication is required but no API keys are configured")
	}

	return &Credentials{labels: labels, required: required}, nil
}

// Lookup returns the device label for key. The second result is false when
// the key must be rejected.
func (c *Credentials) Lookup(key string) (string, bool) {
	if label, ok := c.labels[key]; ok {
		return label, true
	}
	if !c.required {
		return UnknownLabel, true
	}
	return "", false
}

// Required reports whether unknown keys are rejected.
func (c *Credentials) Required() bool {
	return c.required
}

// Len returns the number of configured keys.
func (c *Credentials) Len() int {
	return len(c.labels)
}

// ParseKeyList parses the compact "key=Label;key2=Label 2" form used in
// environment variables. Empty entries are skipped.
func ParseKeyList(s string) ([]Credential, error) {
	var creds []Credential
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key, label, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid API key entry %q: expected key=label", entry)
		}

		creds = append(creds, Credential{Key: key, Label: strings.TrimSpace(label)})
	}

	return creds, nil
}
