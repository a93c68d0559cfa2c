package migration

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/graphstore"
	"github.com/sanonone/branchgraph/pkg/rewrite"
	"github.com/sanonone/branchgraph/pkg/storage"
)

// Manifest is a declarative list of migrations.
type Manifest struct {
	Migrations []Migration
	// Fingerprint is the BLAKE3-256 hex digest of the manifest bytes.
	Fingerprint string
}

type manifestFile struct {
	Migrations []manifestMigration `yaml:"migrations"`
}

type manifestMigration struct {
	Name           string               `yaml:"name"`
	Version        int                  `yaml:"version"`
	MinimumVersion int                  `yaml:"minimum_version"`
	Branch         string               `yaml:"branch"`
	Operations     []manifestOperation  `yaml:"operations"`
	Validate       []manifestValidation `yaml:"validate"`
}

// manifestOperation holds exactly one operation.
type manifestOperation struct {
	Branch                string                         `yaml:"branch"`
	AttributeRename       *rewrite.AttributeRename       `yaml:"attribute_rename"`
	NodeDuplicate         *rewrite.NodeDuplicate         `yaml:"node_duplicate"`
	RelationshipDuplicate *rewrite.RelationshipDuplicate `yaml:"relationship_duplicate"`
	ElementRetire         *rewrite.ElementRetire         `yaml:"element_retire"`
}

func (o manifestOperation) step() (Step, error) {
	var ops []rewrite.Operation
	if o.AttributeRename != nil {
		ops = append(ops, *o.AttributeRename)
	}
	if o.NodeDuplicate != nil {
		ops = append(ops, *o.NodeDuplicate)
	}
	if o.RelationshipDuplicate != nil {
		ops = append(ops, *o.RelationshipDuplicate)
	}
	if o.ElementRetire != nil {
		ops = append(ops, *o.ElementRetire)
	}
	if len(ops) != 1 {
		return Step{}, fmt.Errorf("expected exactly one operation, got %d", len(ops))
	}
	return Step{Operation: ops[0], Branch: o.Branch}, nil
}

type attributeCheck struct {
	NodeKind string `yaml:"node_kind"`
	Name     string `yaml:"name"`
	Branch   string `yaml:"branch"`
}

type manifestValidation struct {
	AttributeExists *attributeCheck `yaml:"attribute_exists"`
	AttributeAbsent *attributeCheck `yaml:"attribute_absent"`
}

func (v manifestValidation) check() (ValidateFunc, error) {
	switch {
	case v.AttributeExists != nil && v.AttributeAbsent != nil:
		return nil, errors.New("expected exactly one validation, got 2")
	case v.AttributeExists != nil:
		return AttributeExists(v.AttributeExists.NodeKind, v.AttributeExists.Name, v.AttributeExists.Branch), nil
	case v.AttributeAbsent != nil:
		return AttributeAbsent(v.AttributeAbsent.NodeKind, v.AttributeAbsent.Name, v.AttributeAbsent.Branch), nil
	default:
		return nil, errors.New("empty validation")
	}
}

// LoadManifest reads a YAML manifest with strict field checking.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var f manifestFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("YAML syntax error in migration manifest: %w", err)
	}

	sum := blake3.Sum256(data)
	m := &Manifest{Fingerprint: hex.EncodeToString(sum[:])}
	for i, mm := range f.Migrations {
		mig := Migration{
			Name:           mm.Name,
			Version:        mm.Version,
			MinimumVersion: mm.MinimumVersion,
			Branch:         mm.Branch,
		}
		for j, op := range mm.Operations {
			step, err := op.step()
			if err != nil {
				return nil, fmt.Errorf("migration #%d (%s) operation %d: %w", i, mm.Name, j, err)
			}
			mig.Operations = append(mig.Operations, step)
		}
		var checks []ValidateFunc
		for j, v := range mm.Validate {
			c, err := v.check()
			if err != nil {
				return nil, fmt.Errorf("migration #%d (%s) validation %d: %w", i, mm.Name, j, err)
			}
			checks = append(checks, c)
		}
		if len(checks) > 0 {
			mig.Validate = All(checks...)
		}
		m.Migrations = append(m.Migrations, mig)
	}
	return m, nil
}

// All combines post-conditions; the first failure wins.
func All(checks ...ValidateFunc) ValidateFunc {
	return func(ctx context.Context, store *graphstore.Store, at graph.Timestamp) error {
		for _, c := range checks {
			if err := c(ctx, store, at); err != nil {
				return err
			}
		}
		return nil
	}
}

// AttributeExists requires every live node of kind on branchName (default
// branch when empty) to carry attribute name.
func AttributeExists(kind, name, branchName string) ValidateFunc {
	return attributeCheckFunc(kind, name, branchName, true)
}

// AttributeAbsent requires no live node of kind to carry attribute name.
func AttributeAbsent(kind, name, branchName string) ValidateFunc {
	return attributeCheckFunc(kind, name, branchName, false)
}

func attributeCheckFunc(kind, name, branchName string, want bool) ValidateFunc {
	if branchName == "" {
		branchName = graph.DefaultBranch
	}
	return func(ctx context.Context, store *graphstore.Store, at graph.Timestamp) error {
		nodes, err := store.FindEntities(ctx, storage.VertexQuery{Class: graph.ClassNode, Kind: kind}, branchName, at)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			_, _, err := store.Attribute(ctx, n.ID, name, branchName, at)
			switch {
			case err == nil && !want:
				return fmt.Errorf("%s %s still has attribute %q on %s", kind, n.ID, name, branchName)
			case errors.Is(err, graph.ErrElementNotFound) && want:
				return fmt.Errorf("%s %s has no attribute %q on %s", kind, n.ID, name, branchName)
			case err != nil && !errors.Is(err, graph.ErrElementNotFound):
				return err
			}
		}
		return nil
	}
}
