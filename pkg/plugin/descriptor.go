package plugin

import "strings"

// Visibility is the privilege tier a user needs to invoke a plugin
type Visibility string

const (
	VisibilityRoot  Visibility = "ROOT"
	VisibilityAdmin Visibility = "ADMIN"
	VisibilityUser  Visibility = "USER"
)

// Valid reports whether v is one of the known tiers
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityRoot, VisibilityAdmin, VisibilityUser:
		return true
	}
	return false
}

// Kind separates ordinary plugins from proxy middleware
type Kind string

const (
	KindNormal Kind = "NORMAL"
	KindProxy  Kind = "PROXY"
)

// Descriptor is the static metadata of a plugin unit. It is readable from the
// registry without constructing the plugin.
type Descriptor struct {
	ID          string     `json:"id" yaml:"id"`
	Version     string     `json:"version" yaml:"version"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Help        string     `json:"help,omitempty" yaml:"help,omitempty"`
	Visibility  Visibility `json:"visibility" yaml:"visibility"`
	Kind        Kind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Author      string     `json:"author,omitempty" yaml:"author,omitempty"`
}

// Validate returns a ValidationError naming the first missing or invalid field.
// An empty Kind is accepted and treated as NORMAL.
func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return NewValidationError(d.ID, "id")
	case strings.TrimSpace(d.Name) == "":
		return NewValidationError(d.ID, "name")
	case strings.TrimSpace(d.Description) == "":
		return NewValidationError(d.ID, "description")
	case !d.Visibility.Valid():
		return NewValidationError(d.ID, "visibility")
	case d.Kind != "" && d.Kind != KindNormal && d.Kind != KindProxy:
		return NewValidationError(d.ID, "kind")
	}
	return nil
}

// IsProxy reports whether the plugin runs in the proxy chain
func (d Descriptor) IsProxy() bool {
	return d.Kind == KindProxy
}

// EffectiveKind returns Kind with the NORMAL default applied
func (d Descriptor) EffectiveKind() Kind {
	if d.Kind == "" {
		return KindNormal
	}
	return d.Kind
}
