package manifest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/flexigpt/hostrelay-go/spec"
)

const maxManifestBytes = 2 << 20 // 2 MiB

// Format is a manifest file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatForPath picks the decoder from the file extension.
func FormatForPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json", ".jsonc":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	default:
		return "", false
	}
}

// LoadFile reads, decodes and digests one manifest file. It does NOT validate;
// callers run Validate and decide whether to register.
func LoadFile(ctx context.Context, path string) (spec.CapabilityManifest, error) {
	if err := ctx.Err(); err != nil {
		return spec.CapabilityManifest{}, err
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return spec.CapabilityManifest{}, fmt.Errorf("%w: empty manifest path", spec.ErrInvalidArgument)
	}
	format, ok := FormatForPath(p)
	if !ok {
		return spec.CapabilityManifest{}, fmt.Errorf("%w: unsupported manifest extension: %q", spec.ErrInvalidArgument, p)
	}

	// Disallow the manifest being a symlink.
	if lst, lerr := os.Lstat(p); lerr == nil {
		if lst.Mode()&os.ModeSymlink != 0 {
			return spec.CapabilityManifest{}, errors.New("manifest must not be a symlink")
		}
		if !lst.Mode().IsRegular() {
			return spec.CapabilityManifest{}, errors.New("manifest must be a regular file")
		}
	}

	b, sum, err := readAllLimitedAndDigest(p)
	if err != nil {
		return spec.CapabilityManifest{}, fmt.Errorf("load manifest: %w", err)
	}

	m, err := Decode(b, format)
	if err != nil {
		return spec.CapabilityManifest{}, fmt.Errorf("load manifest %s: %w", p, err)
	}
	m.Source = p
	m.Digest = "blake3:" + sum
	return m, nil
}

// Decode parses manifest bytes in the given format.
//
// Every format is first decoded into a generic document and then re-encoded as
// JSON, so that numeric defaults and bounds land on the same Go types no matter
// which encoding the module author picked.
func Decode(data []byte, format Format) (spec.CapabilityManifest, error) {
	var doc map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return spec.CapabilityManifest{}, fmt.Errorf("invalid manifest YAML: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return spec.CapabilityManifest{}, fmt.Errorf("invalid manifest JSON: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return spec.CapabilityManifest{}, fmt.Errorf("invalid manifest TOML: %w", err)
		}
	default:
		return spec.CapabilityManifest{}, fmt.Errorf("%w: unknown manifest format: %q", spec.ErrInvalidArgument, format)
	}
	if doc == nil {
		return spec.CapabilityManifest{}, errors.New("manifest is empty")
	}

	norm, err := json.Marshal(doc)
	if err != nil {
		return spec.CapabilityManifest{}, fmt.Errorf("normalize manifest: %w", err)
	}
	var m spec.CapabilityManifest
	dec := json.NewDecoder(bytes.NewReader(norm))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return spec.CapabilityManifest{}, fmt.Errorf("manifest shape: %w", err)
	}
	normalizeDefaults(&m)
	return m, nil
}

// normalizeDefaults turns json.Number defaults into int64 or float64.
func normalizeDefaults(m *spec.CapabilityManifest) {
	for ti := range m.Capabilities.Tools {
		ps := m.Capabilities.Tools[ti].Parameters
		for pi := range ps {
			ps[pi].Default = normalizeNumber(ps[pi].Default)
		}
	}
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeNumber(x[i])
		}
		return out
	default:
		return v
	}
}

func readAllLimitedAndDigest(path string) (data []byte, digest string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, int64(maxManifestBytes)+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxManifestBytes {
		return nil, "", fmt.Errorf("manifest too large (max %d bytes)", maxManifestBytes)
	}

	sum := blake3.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
