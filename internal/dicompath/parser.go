package dicompath

import (
	"fmt"
	"strings"
)

// Intent tells the parser why a path is being resolved.
type Intent int

const (
	// Lookup resolves existing or pending objects.
	Lookup Intent = iota
	// Create classifies the path as a new temp file and registers it.
	Create
)

// Parser turns raw mount paths into Paths.
type Parser struct {
	registry *Registry
}

// NewParser creates a parser backed by registry.
func NewParser(registry *Registry) *Parser {
	return &Parser{registry: registry}
}

// Registry returns the pending-path registry the parser consults.
func (p *Parser) Registry() *Registry {
	return p.registry
}

// Parse resolves raw with Lookup intent.
func (p *Parser) Parse(raw string) (Path, error) {
	return p.ParseIntent(raw, Lookup)
}

// ParseIntent resolves raw. Paths of two or four segments are ambiguous
// between a permanent object and a pending temp file: Create always yields
// the temp variant, Lookup prefers a registered temp and otherwise applies
// the permanent grammar.
func (p *Parser) ParseIntent(raw string, intent Intent) (Path, error) {
	if !strings.HasPrefix(raw, "/") {
		return Path{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, raw)
	}
	rest := strings.TrimSuffix(raw[1:], "/")
	if rest == "" {
		return DatasetPath(), nil
	}

	segs := strings.Split(rest, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return Path{}, fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidPath, raw)
		}
	}

	switch len(segs) {
	case 1:
		return StorePath(segs[0]), nil

	case 2:
		if intent == Create {
			tmp := Path{Level: TempInStore, StoreID: segs[0], FileName: segs[1]}
			p.registry.Put(raw, tmp)
			return tmp, nil
		}
		if tmp, ok := p.registry.Get(raw); ok {
			return tmp, nil
		}
		if !validUID(segs[1]) {
			return Path{}, fmt.Errorf("%w: bad study UID %q", ErrInvalidPath, segs[1])
		}
		return StudyPath(segs[0], segs[1]), nil

	case 3:
		if !validUID(segs[1]) || !validUID(segs[2]) {
			return Path{}, fmt.Errorf("%w: bad UID in %q", ErrInvalidPath, raw)
		}
		return SeriesPath(segs[0], segs[1], segs[2]), nil

	case 4:
		if !validUID(segs[1]) || !validUID(segs[2]) {
			return Path{}, fmt.Errorf("%w: bad UID in %q", ErrInvalidPath, raw)
		}
		if intent == Create {
			tmp := Path{
				Level:     TempInSeries,
				StoreID:   segs[0],
				StudyUID:  segs[1],
				SeriesUID: segs[2],
				FileName:  segs[3],
			}
			p.registry.Put(raw, tmp)
			return tmp, nil
		}
		if tmp, ok := p.registry.Get(raw); ok {
			return tmp, nil
		}
		uid := strings.TrimSuffix(segs[3], Extension)
		if !validUID(uid) {
			return Path{}, fmt.Errorf("%w: bad instance UID %q", ErrInvalidPath, segs[3])
		}
		return InstancePath(segs[0], segs[1], segs[2], uid), nil
	}

	return Path{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidPath, raw, len(segs))
}

// validUID accepts DICOM UIDs: digits separated by dots.
func validUID(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
