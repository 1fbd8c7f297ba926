package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// SourceValidator 源文件验证器
type SourceValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxContentSize int64               // 最大内容大小（字节）
	AllowedTypes   map[string][]string // 允许的媒体类型 {mediaType: []MIME前缀}
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type FileInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
	MimeType  string `json:"mimeType,omitempty"`
	Extension string `json:"extension"`
	Hash      string `json:"hash,omitempty"`
}

func DefaultConfig() *ValidatorConfig {
	text := []string{"text/"}
	return &ValidatorConfig{
		MaxContentSize: 20 << 20,
		AllowedTypes: map[string][]string{
			"markdown":      text,
			"text/markdown": text,
			"text":          text,
			"text/plain":    text,
			"website":       {"text/html", "text/plain", "application/xhtml+xml"},
			"url":           {"text/html", "text/plain", "application/xhtml+xml"},
			"text/html":     {"text/html", "text/plain", "application/xhtml+xml"},
		},
	}
}

func NewSourceValidator(log logger.Logger, config *ValidatorConfig) *SourceValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &SourceValidator{logger: log, config: config}
}

// Validate checks an inline source before it reaches an adapter. Empty
// content is allowed when the adapter can fetch it.
func (v *SourceValidator) Validate(name, mediaType string, content []byte) *ValidationResult {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Name:      name,
			Size:      int64(len(content)),
			MediaType: mediaType,
			Extension: strings.ToLower(path.Ext(name)),
		},
	}

	if name != "" {
		if err := provider.ValidName(name); err != nil {
			result.add("INVALID_NAME", err.Error(), "name")
		}
	}

	allowed, ok := v.config.AllowedTypes[mediaType]
	if !ok {
		result.add("INVALID_MEDIA_TYPE", fmt.Sprintf("Media type %q is not supported", mediaType), "mediaType")
	}

	if len(content) == 0 {
		return result
	}

	// 检查内容大小
	if v.config.MaxContentSize > 0 && result.FileInfo.Size > v.config.MaxContentSize {
		result.add("CONTENT_TOO_LARGE",
			fmt.Sprintf("Content exceeds maximum size of %d bytes", v.config.MaxContentSize), "content")
	}

	sum := sha256.Sum256(content)
	result.FileInfo.Hash = hex.EncodeToString(sum[:])

	// MIME类型验证
	detected := mimetype.Detect(content)
	result.FileInfo.MimeType = detected.String()
	if ok && !matchesAny(detected, allowed) {
		result.add("INVALID_MIME_TYPE",
			fmt.Sprintf("Detected content type %s does not match media type %s", detected.String(), mediaType), "content")
	}

	if !result.IsValid {
		v.logger.Debug("Source rejected",
			logger.String("name", name),
			logger.String("mediaType", mediaType),
			logger.String("mimeType", result.FileInfo.MimeType),
		)
	}
	return result
}

func (r *ValidationResult) add(code, message, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: message, Field: field})
}

// matchesAny walks the detected type and its parents, so text/html also
// satisfies a text/ prefix.
func matchesAny(detected *mimetype.MIME, allowed []string) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, prefix := range allowed {
			if strings.HasPrefix(m.String(), prefix) {
				return true
			}
		}
	}
	return false
}
