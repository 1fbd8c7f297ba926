// Package shadowtwin resolves and writes the derived artifacts of a source
// document: its raw copy, transcript and transformations, kept in a sibling
// folder named after the source.
package shadowtwin

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/feichai0017/shadowtwin/internal/models"
)

const folderPrefix = "_"

// FolderName is the name of the twin folder of a source file.
func FolderName(sourceName string) string {
	return folderPrefix + sourceName
}

// BaseName strips the final extension of a file name.
func BaseName(sourceName string) string {
	ext := path.Ext(sourceName)
	if ext == sourceName {
		return sourceName
	}
	return strings.TrimSuffix(sourceName, ext)
}

// ArtifactName returns the file name of an artifact. The result depends only
// on its inputs.
//
//	raw            -> sourceName
//	transcript     -> {base}.{lang}.md
//	transformation -> {base}.{template}.{lang}.md
func ArtifactName(sourceName string, kind models.ArtifactKind, lang, template string) (string, error) {
	if sourceName == "" {
		return "", fmt.Errorf("source name is required")
	}
	switch kind {
	case models.KindRaw:
		return sourceName, nil
	case models.KindTranscript:
		if lang == "" {
			return "", fmt.Errorf("target language is required for %s", kind)
		}
		return fmt.Sprintf("%s.%s.md", BaseName(sourceName), segment(lang)), nil
	case models.KindTransformation:
		if lang == "" || template == "" {
			return "", fmt.Errorf("target language and template are required for %s", kind)
		}
		return fmt.Sprintf("%s.%s.%s.md", BaseName(sourceName), segment(template), segment(lang)), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// NameForKey is ArtifactName for a key.
func NameForKey(sourceName string, key models.ArtifactKey) (string, error) {
	return ArtifactName(sourceName, key.Kind, key.TargetLanguage, key.TemplateName)
}

// Classify reports which artifact kind a file in the twin folder holds.
// Files that are not a transcript, transformation or raw copy are media.
func Classify(sourceName, fileName string) (kind models.ArtifactKind, lang, template string, ok bool) {
	if fileName == sourceName {
		return models.KindRaw, "", "", true
	}
	base := BaseName(sourceName) + "."
	if !strings.HasPrefix(fileName, base) || !strings.HasSuffix(fileName, ".md") {
		return "", "", "", false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(fileName, base), ".md")
	parts := strings.Split(middle, ".")
	switch len(parts) {
	case 1:
		if parts[0] != "" {
			return models.KindTranscript, parts[0], "", true
		}
	case 2:
		if parts[0] != "" && parts[1] != "" {
			return models.KindTransformation, parts[1], parts[0], true
		}
	}
	return "", "", "", false
}

// IsMarkdownSource reports whether a source is itself markdown, in which case
// it stands in for its own transcript.
func IsMarkdownSource(src models.SourceRef) bool {
	switch strings.ToLower(path.Ext(src.Name)) {
	case ".md", ".markdown":
		return true
	}
	return src.MediaType == "markdown" || src.MediaType == "text/markdown"
}

// segment makes a name component safe for use inside a file name.
func segment(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '.' || r == 0:
			return '-'
		case unicode.IsSpace(r):
			return '_'
		default:
			return r
		}
	}, s)
}
