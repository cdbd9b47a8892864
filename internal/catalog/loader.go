package catalog

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

//go:embed data/catalog.yaml
var embedded embed.FS

const embeddedPath = "data/catalog.yaml"

// EmbeddedSource is the Source reported by the built-in catalog.
const EmbeddedSource = "embedded:" + embeddedPath

// Option adjusts how a catalog is validated.
type Option func(*options)

type options struct {
	riskPredicates map[string]PredicateNeeds
}

// PredicateNeeds lists the catalog vocabulary a registered risk predicate reads.
type PredicateNeeds struct {
	Conditions  []string
	Medications []string
	LabRules    []string
}

// RequireRiskPredicates rejects catalogs that name a risk rule with no registered predicate,
// or that lack a condition tag, medication or lab rule the named predicate reads.
func RequireRiskPredicates(predicates map[string]PredicateNeeds) Option {
	return func(o *options) {
		o.riskPredicates = predicates
	}
}

// Parse decodes and validates raw catalog YAML. Unknown keys are rejected so that typos in
// clinical content fail at load rather than being silently ignored.
func Parse(data []byte, source string, opts ...Option) (*Catalog, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw fileCatalog
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.CatalogError{Source: source, Problems: []string{"catalog is empty"}}
		}
		return nil, &domain.CatalogError{Source: source, Problems: []string{fmt.Sprintf("malformed YAML: %v", err)}}
	}

	sum := sha256.Sum256(data)
	b := newBuilder(source, hex.EncodeToString(sum[:])[:16], &o)
	return b.build(&raw)
}

// LoadFile reads and validates a catalog from disk.
func LoadFile(path string, opts ...Option) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data, path, opts...)
}

// LoadEmbedded returns the catalog compiled into the binary.
func LoadEmbedded(opts ...Option) (*Catalog, error) {
	data, err := embedded.ReadFile(embeddedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded catalog: %w", err)
	}
	return Parse(data, EmbeddedSource, opts...)
}

// Load reads path when set and falls back to the embedded catalog otherwise.
func Load(path string, opts ...Option) (*Catalog, error) {
	if path == "" {
		return LoadEmbedded(opts...)
	}
	return LoadFile(path, opts...)
}

// EmbeddedBytes exposes the raw built-in catalog, for tooling that prints or diffs it.
func EmbeddedBytes() ([]byte, error) {
	return embedded.ReadFile(embeddedPath)
}
