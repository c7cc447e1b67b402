// Package domain defines encryption schemas: which fields of which namespace are encrypted,
// with which algorithm and under which data key.
package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	validation "github.com/jellydator/validation"
	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	customValidation "github.com/allisson/autoencrypt/internal/validation"
)

// FieldRule says how one field path is encrypted. BSONType zero means any encryptable type.
type FieldRule struct {
	Path      string
	Algorithm cryptoDomain.Algorithm
	KeyRef    keyvaultDomain.KeyRef
	BSONType  bson.Type
}

// Validate checks the rule is complete.
func (r FieldRule) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, customValidation.FieldPath),
		validation.Field(&r.Algorithm, validation.Required, validation.By(func(value interface{}) error {
			_, err := r.Algorithm.Tag()
			return err
		})),
		validation.Field(&r.KeyRef),
	)
	if err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrInvalidSchema, r.Path, err)
	}

	if r.BSONType != 0 {
		if err := cryptoDomain.CheckEncryptable(r.Algorithm, r.BSONType); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidSchema, r.Path, err)
		}
	}
	return nil
}

// Schema is the immutable set of field rules for one namespace.
type Schema struct {
	namespace string
	rules     []FieldRule
	byPath    map[string]int
	prefixes  map[string]struct{}
}

// NewSchema validates rules and builds a schema for namespace.
//
// Paths must be unique and no rule may sit inside another rule's field, because an
// encrypted field is opaque to the server.
func NewSchema(namespace string, rules []FieldRule) (*Schema, error) {
	if err := validation.Validate(namespace, validation.Required, customValidation.Namespace); err != nil {
		return nil, fmt.Errorf("%w: namespace %q: %v", ErrInvalidSchema, namespace, err)
	}

	s := &Schema{
		namespace: namespace,
		rules:     make([]FieldRule, 0, len(rules)),
		byPath:    make(map[string]int, len(rules)),
		prefixes:  make(map[string]struct{}),
	}

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, exists := s.byPath[rule.Path]; exists {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, rule.Path)
		}
		s.byPath[rule.Path] = len(s.rules)
		s.rules = append(s.rules, rule)

		for i := range rule.Path {
			if rule.Path[i] == '.' {
				s.prefixes[rule.Path[:i]] = struct{}{}
			}
		}
	}

	for _, rule := range s.rules {
		if _, nested := s.prefixes[rule.Path]; nested {
			return nil, fmt.Errorf("%w: field %q contains another encrypted field", ErrInvalidSchema, rule.Path)
		}
	}

	return s, nil
}

// Namespace returns the "database.collection" the schema applies to.
func (s *Schema) Namespace() string {
	return s.namespace
}

// Rule returns the rule for an exact field path.
func (s *Schema) Rule(path string) (FieldRule, bool) {
	i, ok := s.byPath[path]
	if !ok {
		return FieldRule{}, false
	}
	return s.rules[i], true
}

// Rules returns the rules in declaration order.
func (s *Schema) Rules() []FieldRule {
	return slices.Clone(s.rules)
}

// Contains reports whether some rule lies strictly below path.
func (s *Schema) Contains(path string) bool {
	_, ok := s.prefixes[path]
	return ok
}

// KeyRefs returns the distinct key references used by the schema.
func (s *Schema) KeyRefs() []keyvaultDomain.KeyRef {
	var refs []keyvaultDomain.KeyRef
	for _, rule := range s.rules {
		if !slices.Contains(refs, rule.KeyRef) {
			refs = append(refs, rule.KeyRef)
		}
	}
	return refs
}

// Registry maps namespaces to schemas. It is built once and never mutated; reloading
// means building a new Registry.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry builds a registry. Two schemas for the same namespace are rejected.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if _, exists := r.schemas[s.namespace]; exists {
			return nil, fmt.Errorf("%w: duplicate namespace %q", ErrInvalidSchema, s.namespace)
		}
		r.schemas[s.namespace] = s
	}
	return r, nil
}

// Resolve returns the schema for namespace. Commands on namespaces without a schema pass
// through unmodified.
func (r *Registry) Resolve(namespace string) (*Schema, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.schemas[namespace]
	return s, ok
}

// Namespaces returns the registered namespaces, sorted.
func (r *Registry) Namespaces() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.schemas))
	for ns := range r.schemas {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// JoinPath appends field to a dotted path.
func JoinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(field))
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(field)
	return b.String()
}
