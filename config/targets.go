package config

import (
	"fmt"
	"strings"
	"unicode"
)

// Target identifies one monitoring source. Name is the unique display and
// storage key for the source.
type Target struct {
	Endpoint string // connection URI, e.g. https://mycluster.westus.kusto.windows.net
	Database string // logical database the status query runs against
	Name     string
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s/%s)", t.Name, t.Endpoint, t.Database)
}

// Host returns the endpoint host without scheme, port or path.
func (t Target) Host() string {
	return hostOf(t.Endpoint)
}

// ParseTargets turns entries of the form "endpoint:database" or
// "endpoint:database:name" into Targets, preserving order. The endpoint may
// carry a scheme and a port; https is assumed when the scheme is missing.
// When name is omitted it is the first DNS label of the endpoint host.
// Names must be unique across the whole list.
func ParseTargets(entries []string) ([]Target, error) {
	targets := make([]Target, 0, len(entries))
	seen := make(map[string]string, len(entries))

	for _, entry := range entries {
		t, err := ParseTarget(entry)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[t.Name]; dup {
			return nil, &ConfigError{
				Key:    entry,
				Reason: fmt.Sprintf("target name %q is already used by %q", t.Name, prev),
			}
		}
		seen[t.Name] = entry
		targets = append(targets, t)
	}
	return targets, nil
}

// ParseTargetList splits s on commas and whitespace and parses every piece
// with ParseTargets.
func ParseTargetList(s string) ([]Target, error) {
	return ParseTargets(SplitTargetList(s))
}

// SplitTargetList splits a comma and/or whitespace separated list of entries.
func SplitTargetList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// ParseTarget parses a single target entry.
func ParseTarget(entry string) (Target, error) {
	raw := strings.TrimSpace(entry)
	if raw == "" {
		return Target{}, &ConfigError{Key: entry, Reason: "empty target entry"}
	}

	scheme := "https"
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = strings.ToLower(raw[:i])
		rest = raw[i+3:]
		if scheme != "http" && scheme != "https" {
			return Target{}, &ConfigError{Key: entry, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
		}
	}

	parts := strings.Split(rest, ":")
	host := strings.TrimSuffix(parts[0], "/")
	parts = parts[1:]
	// host:port:database:name is the only form carrying a port. With two
	// parts after the host they are always database and name.
	if len(parts) == 3 && isPort(parts[0]) {
		host = host + ":" + parts[0]
		parts = parts[1:]
	}

	if host == "" {
		return Target{}, &ConfigError{Key: entry, Reason: "missing endpoint"}
	}
	if strings.ContainsAny(host, "/?#") {
		return Target{}, &ConfigError{Key: entry, Reason: "endpoint must be a bare host, without path or query"}
	}

	var database, name string
	switch len(parts) {
	case 0:
		return Target{}, &ConfigError{Key: entry, Reason: "missing database (want endpoint:database[:name])"}
	case 1:
		database = parts[0]
	case 2:
		database, name = parts[0], parts[1]
	default:
		return Target{}, &ConfigError{Key: entry, Reason: "too many ':' separated parts (want endpoint:database[:name])"}
	}

	database = strings.TrimSpace(database)
	if database == "" {
		return Target{}, &ConfigError{Key: entry, Reason: "missing database"}
	}

	endpoint := scheme + "://" + host
	name = strings.TrimSpace(name)
	if name == "" {
		name = firstLabel(hostOf(endpoint))
	}
	if name == "" {
		return Target{}, &ConfigError{Key: entry, Reason: "cannot derive a name from the endpoint"}
	}

	return Target{Endpoint: endpoint, Database: database, Name: name}, nil
}

// hostOf strips scheme, port and path from an endpoint.
func hostOf(endpoint string) string {
	h := endpoint
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	return h
}

func firstLabel(host string) string {
	label, _, _ := strings.Cut(host, ".")
	return label
}

func isPort(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
