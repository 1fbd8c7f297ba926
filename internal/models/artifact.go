package models

import "strings"

// ArtifactKind names a derived file of a source document.
type ArtifactKind string

const (
	KindRaw            ArtifactKind = "raw"
	KindTranscript     ArtifactKind = "transcript"
	KindTransformation ArtifactKind = "transformation"
)

// ArtifactKey identifies one Shadow-Twin artifact. Two keys are equal iff all
// fields match.
type ArtifactKey struct {
	SourceID       string       `json:"sourceId"`
	Kind           ArtifactKind `json:"kind"`
	TargetLanguage string       `json:"targetLanguage"`
	TemplateName   string       `json:"templateName,omitempty"`
}

// String renders the key as a stable index field.
func (k ArtifactKey) String() string {
	return strings.Join([]string{string(k.Kind), k.TargetLanguage, k.TemplateName}, "|")
}

// CanonicalMeta is the mandatory frontmatter of canonical markdown.
type CanonicalMeta struct {
	Source    string `yaml:"source" json:"source"`
	Title     string `yaml:"title" json:"title"`
	Date      string `yaml:"date" json:"date"`
	Type      string `yaml:"type" json:"type"`
	OriginRef string `yaml:"originRef" json:"originRef"`
}
