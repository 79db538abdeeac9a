// Package metadata derives the registration identity of a finalized module from its declared
// description and markers embedded in its sources.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

type (
	// Module is the part of a finalized module the extractor reads.
	Module interface {
		Key() string
		Symbol(name string) (linker.Symbol, bool)
	}
	// Declared identity, from an addon description. Both fields are optional.
	Declared struct {
		Key  string
		Name string
	}
	// Identity of a module eligible for host registration.
	Identity struct {
		Key     string // normalized: no dashes, lower case for uuids
		Name    string
		Entry   string // exported symbol the host instantiates the capability from
		Address uintptr
	}
	// Markers found in a source text.
	Markers struct {
		UUID       string // make_uuid literal, normalized
		PrettyName string
	}
)

// IdentityMissingError reports a module without usable key or entry point. The module itself
// is valid, it is just not registrable.
type IdentityMissingError struct {
	Module string
	Unit   string
	Reason string
	Cause  error
}

func (e *IdentityMissingError) Error() string {
	s := fmt.Sprintf("identity of %s (%s): %s", e.Module, e.Unit, e.Reason)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *IdentityMissingError) Unwrap() error {
	return e.Cause
}

var (
	// ErrMalformedUUID occurs when a make_uuid literal is not a uuid.
	ErrMalformedUUID = errors.New("malformed uuid literal")

	uuidMarker = regexp.MustCompile(`make_uuid\s*\(\s*"([^"\n]*)"`)
	nameMarker = regexp.MustCompile(`prettyName\s*(?:=|\[\]\s*=|\()\s*"([^"\n]*)"`)
)

// NormalizeKey removes dashes, the form keys are registered under.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), "-", "")
}

// ParseUUID validates a uuid literal and returns its normalized key.
func ParseUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrMalformedUUID, s, err)
	}
	return NormalizeKey(u.String()), nil
}

// Scan a source text for markers. The first make_uuid literal counts; a malformed one is
// reported with the markers found so far.
func Scan(text string) (m Markers, err error) {
	if v := nameMarker.FindStringSubmatch(text); v != nil {
		m.PrettyName = v[1]
	}
	if v := uuidMarker.FindStringSubmatch(text); v != nil {
		m.UUID, err = ParseUUID(v[1])
	}
	return
}

// Extract the identity of a finalized module compiled from sources. Source paths are read
// when their text is not given.
func Extract(m Module, sources []toolchain.Source, declared Declared) (*Identity, error) {
	id := &Identity{Key: NormalizeKey(declared.Key), Name: declared.Name}
	unit := m.Key()
	var malformed error
	for _, src := range sources {
		if id.Key != "" && id.Name != "" {
			break
		}
		text := src.Text
		if text == "" && src.Path != "" {
			b, err := os.ReadFile(src.Path)
			if err != nil {
				return nil, &IdentityMissingError{Module: m.Key(), Unit: src.ID(), Reason: "read source", Cause: err}
			}
			text = string(b)
		}
		mk, err := Scan(text)
		if err != nil && malformed == nil {
			malformed, unit = err, src.ID()
		}
		if id.Key == "" && mk.UUID != "" {
			id.Key, unit = mk.UUID, src.ID()
		}
		if id.Name == "" && mk.PrettyName != "" {
			id.Name = mk.PrettyName
		}
	}
	if id.Key == "" {
		reason := "no declared key nor make_uuid marker"
		if malformed != nil {
			reason = "make_uuid marker unusable"
		}
		return nil, &IdentityMissingError{Module: m.Key(), Unit: unit, Reason: reason, Cause: malformed}
	}
	if id.Name == "" {
		id.Name = id.Key
	}
	for _, name := range entries(id.Key, m.Key()) {
		if s, ok := m.Symbol(name); ok && s.Addr != 0 {
			id.Entry, id.Address = name, s.Addr
			return id, nil
		}
	}
	return nil, &IdentityMissingError{Module: m.Key(), Unit: unit,
		Reason: fmt.Sprintf("no entry point among %s", strings.Join(entries(id.Key, m.Key()), ", "))}
}

// entries lists entry point symbol names in preference order.
func entries(key, module string) []string {
	e := []string{"plugin_instance_" + key}
	if module != key {
		e = append(e, "plugin_instance_"+NormalizeKey(module))
	}
	return append(e, "run_"+module, "plugin_instance")
}
