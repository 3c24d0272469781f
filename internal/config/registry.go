package config

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ServerKind identifies which transport a ServerConfig describes.
type ServerKind string

const (
	KindStdio     ServerKind = "stdio"
	KindHTTP      ServerKind = "http"
	KindLegacySSE ServerKind = "legacy-sse"
)

// AuthKind identifies how an http/legacy-sse server authenticates.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
)

// ServerConfig is one entry of the mcpServers registry document. It is
// immutable once loaded; a reload replaces the whole registry rather than
// mutating entries in place.
type ServerConfig struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind ServerKind `json:"kind"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// http / legacy-sse
	URL            string   `json:"url,omitempty"`
	AuthKind       AuthKind `json:"authKind,omitempty"`
	AuthSecretName string   `json:"authSecretName,omitempty"`

	AutoStart bool `json:"autoStart"`
	Disabled  bool `json:"disabled"`
}

// rawServerEntry mirrors the on-disk shape of one mcpServers value. Fields
// are pointers/omitted where a default must be distinguished from an
// explicit zero value; unknown fields are ignored by encoding/json.
type rawServerEntry struct {
	Transport      string            `json:"transport"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	URL            string            `json:"url"`
	AuthKind       string            `json:"authKind"`
	AuthSecretName string            `json:"authSecretName"`
	AutoStart      *bool             `json:"autoStart"`
	Disabled       *bool             `json:"disabled"`
}

type registryDocument struct {
	MCPServers map[string]rawServerEntry `json:"mcpServers"`
}

// StableID derives the registry identifier for a logical server name: the
// MD5 digest of the name, rendered as a 32-character hex string. It is
// stable across reloads as long as the name does not change.
func StableID(name string) string {
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf("%x", sum)
}

// LoadRegistry parses the mcpServers document at path. It never writes back
// to path. Unknown fields are ignored; missing optional fields take their
// documented defaults. An entry with Disabled=true is retained but will not
// be auto-started.
func LoadRegistry(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read registry file: %v", errConfigInvalid, err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse registry document: %v", errConfigInvalid, err)
	}

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		entry := doc.MCPServers[name]
		cfg, err := normalizeEntry(name, entry)
		if err != nil {
			// A single malformed entry is skipped; the rest of the
			// registry still loads.
			continue
		}
		servers = append(servers, cfg)
	}
	return servers, nil
}

func normalizeEntry(name string, entry rawServerEntry) (ServerConfig, error) {
	kind := ServerKind(entry.Transport)
	switch kind {
	case KindStdio:
		if entry.Command == "" {
			return ServerConfig{}, fmt.Errorf("%w: server %q: stdio transport requires command", errConfigInvalid, name)
		}
	case KindHTTP, KindLegacySSE:
		if entry.URL == "" {
			return ServerConfig{}, fmt.Errorf("%w: server %q: %s transport requires url", errConfigInvalid, name, kind)
		}
	default:
		return ServerConfig{}, fmt.Errorf("%w: server %q: unknown transport %q", errConfigInvalid, name, entry.Transport)
	}

	authKind := AuthKind(entry.AuthKind)
	if authKind == "" {
		authKind = AuthNone
	}

	cfg := ServerConfig{
		ID:             StableID(name),
		Name:           name,
		Kind:           kind,
		Command:        entry.Command,
		Args:           entry.Args,
		Cwd:            entry.Cwd,
		Env:            entry.Env,
		URL:            entry.URL,
		AuthKind:       authKind,
		AuthSecretName: entry.AuthSecretName,
		AutoStart:      entry.AutoStart == nil || *entry.AutoStart,
		Disabled:       entry.Disabled != nil && *entry.Disabled,
	}
	return cfg, nil
}
