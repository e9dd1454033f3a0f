package storage

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// FieldType describes how a collection field is represented locally and
// how remote values are coerced before a write.
type FieldType string

const (
	// FieldString is a plain string field.
	FieldString FieldType = "string"

	// FieldInt is an integer field. Remote JSON numbers arrive as
	// float64 and are coerced to int64.
	FieldInt FieldType = "int"

	// FieldTimestamp is a millisecond UNIX timestamp stored as int64.
	FieldTimestamp FieldType = "timestamp"

	// FieldJSON is an arbitrary JSON value stored as-is.
	FieldJSON FieldType = "json"

	// FieldBlob is a binary field. Blob fields never travel inside an
	// update body; they move through the media path.
	FieldBlob FieldType = "blob"
)

// Collection describes one synchronized collection: its primary key,
// field types, and which fields are excluded from outbound pushes.
type Collection struct {
	// Name is the collection name, e.g. "pages" or "annotations".
	Name string `yaml:"-"`

	// Version is when this collection's schema was last changed.
	Version time.Time `yaml:"version"`

	// PK lists the primary key fields, in order.
	PK []string `yaml:"pk"`

	// Fields maps field names to their types.
	Fields map[string]FieldType `yaml:"fields"`

	// Terms lists derived search-index fields. They are stripped from
	// outbound updates and from any inbound object that carries them.
	Terms []string `yaml:"terms,omitempty"`

	// Strip lists large raw fields that are intentionally never pushed.
	// Only their presence and timestamps sync; dedicated media or
	// persistent-store paths hold the actual content.
	Strip []string `yaml:"strip,omitempty"`
}

// Registry holds the schema for all synchronized collections.
type Registry struct {
	collections map[string]Collection
}

// registryFile is the YAML shape of a registry definition.
type registryFile struct {
	Collections map[string]Collection `yaml:"collections"`
}

// NewRegistry builds a registry from a set of collections.
func NewRegistry(collections []Collection) *Registry {
	m := make(map[string]Collection, len(collections))
	for _, c := range collections {
		m[c.Name] = c
	}
	return &Registry{collections: m}
}

// LoadRegistry reads a collection registry from a YAML file.
//
// Example definition:
//
//	collections:
//	  pages:
//	    version: 2023-05-02T00:00:00Z
//	    pk: [url]
//	    fields:
//	      url: string
//	      fullTitle: string
//	      text: string
//	    terms: [urlTerms, titleTerms, textTerms]
//	    strip: [text]
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	collections := make([]Collection, 0, len(file.Collections))
	for name, c := range file.Collections {
		c.Name = name
		if err := validateCollection(c); err != nil {
			return nil, fmt.Errorf("invalid collection %q: %w", name, err)
		}
		collections = append(collections, c)
	}

	return NewRegistry(collections), nil
}

func validateCollection(c Collection) error {
	if len(c.PK) == 0 {
		return fmt.Errorf("missing primary key")
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("no fields defined")
	}
	for _, pk := range c.PK {
		if _, ok := c.Fields[pk]; !ok {
			return fmt.Errorf("primary key field %q not defined", pk)
		}
	}
	return nil
}

// Collection returns the definition for a collection name.
// The second return value reports whether the collection exists.
func (r *Registry) Collection(name string) (Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Has reports whether a collection is defined.
func (r *Registry) Has(name string) bool {
	_, ok := r.collections[name]
	return ok
}

// Names returns all collection names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaVersion returns the highest collection version in the registry.
// All outbound updates are stamped with this version so the receiving
// side knows which schema produced them.
func (r *Registry) SchemaVersion() time.Time {
	var latest time.Time
	for _, c := range r.collections {
		if c.Version.After(latest) {
			latest = c.Version
		}
	}
	return latest
}

// IsTermsField reports whether a field is a derived search-index field.
func (c Collection) IsTermsField(field string) bool {
	for _, t := range c.Terms {
		if t == field {
			return true
		}
	}
	return false
}

// IsStrippedField reports whether a field is excluded from pushes.
func (c Collection) IsStrippedField(field string) bool {
	for _, s := range c.Strip {
		if s == field {
			return true
		}
	}
	return false
}

// WhereByPK builds a where clause identifying the row with the given
// primary key value. Composite keys expect a []any value in PK order.
func (c Collection) WhereByPK(pk any) (map[string]any, error) {
	if len(c.PK) == 1 {
		return map[string]any{c.PK[0]: pk}, nil
	}
	values, ok := pk.([]any)
	if !ok || len(values) != len(c.PK) {
		return nil, fmt.Errorf("composite key for %s needs %d values", c.Name, len(c.PK))
	}
	where := make(map[string]any, len(c.PK))
	for i, field := range c.PK {
		where[field] = values[i]
	}
	return where, nil
}

// PKOf extracts the primary key value from an object.
// Single-field keys return the bare value; composite keys return []any.
func (c Collection) PKOf(object map[string]any) (any, error) {
	if len(c.PK) == 1 {
		v, ok := object[c.PK[0]]
		if !ok {
			return nil, fmt.Errorf("object missing primary key field %q", c.PK[0])
		}
		return v, nil
	}
	values := make([]any, len(c.PK))
	for i, field := range c.PK {
		v, ok := object[field]
		if !ok {
			return nil, fmt.Errorf("object missing primary key field %q", field)
		}
		values[i] = v
	}
	return values, nil
}

// DefaultRegistry returns the built-in collection schema for a personal
// content store: pages, annotations, lists, list entries, visits and
// icons in the normal tier, plus document content in the persistent tier.
func DefaultRegistry() *Registry {
	v := func(s string) time.Time {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			panic(err)
		}
		return t
	}

	return NewRegistry([]Collection{
		{
			Name:    "pages",
			Version: v("2023-05-02"),
			PK:      []string{"url"},
			Fields: map[string]FieldType{
				"url":       FieldString,
				"fullUrl":   FieldString,
				"fullTitle": FieldString,
				"domain":    FieldString,
				"hostname":  FieldString,
				"text":      FieldString,
				"lang":      FieldString,
				"updatedAt": FieldTimestamp,
			},
			Terms: []string{"urlTerms", "titleTerms", "textTerms"},
			Strip: []string{"text"},
		},
		{
			Name:    "annotations",
			Version: v("2023-05-02"),
			PK:      []string{"url"},
			Fields: map[string]FieldType{
				"url":         FieldString,
				"pageUrl":     FieldString,
				"body":        FieldString,
				"comment":     FieldString,
				"selector":    FieldJSON,
				"createdWhen": FieldTimestamp,
				"lastEdited":  FieldTimestamp,
			},
			Terms: []string{"bodyTerms", "commentTerms"},
		},
		{
			Name:    "lists",
			Version: v("2023-01-10"),
			PK:      []string{"id"},
			Fields: map[string]FieldType{
				"id":          FieldInt,
				"name":        FieldString,
				"isDeletable": FieldInt,
				"createdAt":   FieldTimestamp,
			},
			Terms: []string{"nameTerms"},
		},
		{
			Name:    "listEntries",
			Version: v("2023-01-10"),
			PK:      []string{"listId", "pageUrl"},
			Fields: map[string]FieldType{
				"listId":    FieldInt,
				"pageUrl":   FieldString,
				"fullUrl":   FieldString,
				"createdAt": FieldTimestamp,
			},
		},
		{
			Name:    "visits",
			Version: v("2022-08-01"),
			PK:      []string{"url", "time"},
			Fields: map[string]FieldType{
				"url":      FieldString,
				"time":     FieldTimestamp,
				"duration": FieldInt,
			},
		},
		{
			Name:    "icons",
			Version: v("2022-08-01"),
			PK:      []string{"hostname"},
			Fields: map[string]FieldType{
				"hostname":  FieldString,
				"payload":   FieldBlob,
				"updatedAt": FieldTimestamp,
			},
			Strip: []string{"payload"},
		},
		{
			Name:    "docContent",
			Version: v("2023-05-02"),
			PK:      []string{"normalizedUrl"},
			Fields: map[string]FieldType{
				"normalizedUrl":     FieldString,
				"storedContentType": FieldString,
				"content":           FieldJSON,
			},
		},
	})
}
