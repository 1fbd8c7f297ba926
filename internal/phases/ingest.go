package phases

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	cfg "github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/converters"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// Document is what gets indexed for retrieval.
type Document struct {
	JobID      string              `json:"jobId"`
	SourceID   string              `json:"sourceId"`
	SourceName string              `json:"sourceName"`
	Kind       models.ArtifactKind `json:"kind"`
	Language   string              `json:"language"`
	Template   string              `json:"template,omitempty"`
	Title      string              `json:"title,omitempty"`
	Meta       map[string]any      `json:"meta,omitempty"`
	Content    string              `json:"content"`
	ImageURLs  map[string]string   `json:"imageUrls,omitempty"`
	IndexedAt  time.Time           `json:"indexedAt"`
}

// DocumentID is stable per source and language, so re-ingesting replaces
// the previous document.
func (d Document) DocumentID() string {
	sum := sha256.Sum256([]byte(d.SourceID + "\x00" + d.Language))
	return hex.EncodeToString(sum[:16])
}

type Ingestor interface {
	Ingest(ctx context.Context, doc Document) error
}

// NewDocument builds a Document from markdown, lifting its frontmatter into
// Meta.
func NewDocument(jobID string, src models.SourceRef, kind models.ArtifactKind, lang, template, markdown string) (Document, error) {
	meta, body, err := converters.SplitFrontmatter(markdown)
	if err != nil {
		return Document{}, err
	}
	return Document{
		JobID:      jobID,
		SourceID:   src.ItemID,
		SourceName: src.Name,
		Kind:       kind,
		Language:   lang,
		Template:   template,
		Title:      converters.StringField(meta, "title"),
		Meta:       meta,
		Content:    body,
		IndexedAt:  time.Now().UTC(),
	}, nil
}

type ElasticIngestor struct {
	client *es.Client
	index  string
	logger logger.Logger
}

// NewElasticIngestor builds an ingestor. transport may be nil.
func NewElasticIngestor(c cfg.ElasticsearchConfig, transport http.RoundTripper, log logger.Logger) (*ElasticIngestor, error) {
	if c.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}
	client, err := es.NewClient(es.Config{
		Addresses: c.Addresses,
		Username:  c.Username,
		Password:  c.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticIngestor{client: client, index: c.Index, logger: log.Named("ingest")}, nil
}

func (e *ElasticIngestor) Ingest(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := e.client.Index(
		e.index,
		bytes.NewReader(body),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(doc.DocumentID()),
	)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing document: %s", res.String())
	}

	e.logger.Info("Indexed document",
		logger.String("jobId", doc.JobID),
		logger.String("sourceId", doc.SourceID),
		logger.String("kind", string(doc.Kind)),
		logger.String("index", e.index),
	)
	return nil
}
