package manifest

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedVersions is the shard version range this build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const maxLineBytes = 1 << 20

var (
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrUnknownKind     = errors.New("unknown shard kind")
	ErrDuplicateShard  = errors.New("duplicate shard")
	ErrMissingShard    = errors.New("missing shard")
	ErrVersion         = errors.New("unsupported shard version")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var compileSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, kind := range Kinds {
		data, err := schemaFS.ReadFile("schemas/" + kind + ".schema.json")
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaURL(kind), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", kind, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(Kinds))
	for _, kind := range Kinds {
		compiled, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", kind, err)
		}
		out[kind] = compiled
	}
	return out, nil
})

var supported = sync.OnceValues(func() (*semver.Constraints, error) {
	return semver.NewConstraint(SupportedVersions)
})

func schemaURL(kind string) string {
	return "https://sovereignty.schemas.local/manifest/" + kind + ".schema.json"
}

// Load reads an NDJSON manifest and computes its hash from raw bytes.
func Load(path string) (*Manifest, error) {
	// #nosec G304 -- path comes from operator-configured manifest path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes, schema-checks and cross-validates an NDJSON manifest.
func Parse(data []byte) (*Manifest, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	constraint, err := supported()
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Hash:  crypto.DigestWithPrefix(data),
		Bytes: data,
	}
	seen := make(map[string]int, len(Kinds))

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var doc any
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidManifest, lineNo, err)
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: line %d: shard must be an object", ErrInvalidManifest, lineNo)
		}
		kind, _ := obj["type"].(string)
		schema, ok := schemas[kind]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: %q", ErrUnknownKind, lineNo, kind)
		}
		if prev, dup := seen[kind]; dup {
			return nil, fmt.Errorf("%w: %s on lines %d and %d", ErrDuplicateShard, kind, prev, lineNo)
		}
		seen[kind] = lineNo

		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidManifest, lineNo, kind, err)
		}
		version, _ := obj["version"].(string)
		if err := checkVersion(constraint, version); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, kind, err)
		}
		if err := m.decodeShard(kind, line); err != nil {
			return nil, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidManifest, lineNo, kind, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	for _, kind := range Kinds {
		if _, ok := seen[kind]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingShard, kind)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func checkVersion(constraint *semver.Constraints, raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersion, raw, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersion, v, SupportedVersions)
	}
	return nil
}

func (m *Manifest) decodeShard(kind string, line []byte) error {
	var target any
	switch kind {
	case KindRiskModel:
		target = &m.Risk
	case KindStakeSchema:
		target = &m.Stake
	case KindRightsPolicy:
		target = &m.Rights
	case KindTokenPolicy:
		target = &m.Tokens
	case KindGuardPipeline:
		target = &m.Pipeline
	default:
		return ErrUnknownKind
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
