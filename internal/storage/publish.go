package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-extract/internal/logging"
	"github.com/withObsrvr/obsrvr-extract/internal/metrics"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
)

// ManifestName is the object written next to the shard files of a run.
const ManifestName = "_manifest.json"

// Manifest describes one published run.
type Manifest struct {
	Run       RunInfo      `json:"run"`
	TotalRows int64        `json:"total_rows"`
	Files     []FileInfo   `json:"files"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// RunInfo identifies the run a manifest belongs to.
type RunInfo struct {
	RunID     string `json:"run_id"`
	Extractor string `json:"extractor"`
	Schema    string `json:"schema_fingerprint"`
	NumShards int    `json:"num_shards"` // configured shard count
}

// FileInfo describes a single shard file.
type FileInfo struct {
	File     string `json:"file"`
	Shard    int    `json:"shard"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// PublishResult reports where a run was published.
type PublishResult struct {
	Prefix      string
	ManifestKey string
	Keys        []string
	Bytes       int64
	Manifest    *Manifest
}

// Publisher uploads the output of a clean sharded run.
type Publisher struct {
	store    *BlobStore
	prefix   string
	producer ProducerInfo
}

// NewPublisher publishes into store under prefix.
func NewPublisher(store *BlobStore, prefix string, producer ProducerInfo) *Publisher {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Publisher{store: store, prefix: prefix, producer: producer}
}

// RunPrefix returns <prefix><extractor>/<run id>/.
func (p *Publisher) RunPrefix(run RunInfo) string {
	return p.prefix + path.Join(run.Extractor, run.RunID) + "/"
}

// Publish uploads every shard file in stats and then the manifest. Nothing
// becomes visible under the final keys unless every upload succeeded.
func (p *Publisher) Publish(ctx context.Context, run RunInfo, stats sink.Stats) (*PublishResult, error) {
	log := logging.Component("publisher")
	m := metrics.Get()

	res, err := p.publish(ctx, run, stats)
	if err != nil {
		if m != nil {
			m.IncPublishErrors()
		}
		return nil, err
	}
	if m != nil {
		m.AddPublishedBytes(res.Bytes)
	}
	log.Info("published run",
		"bucket", p.store.URL(),
		"prefix", res.Prefix,
		"files", len(res.Keys),
		"bytes", res.Bytes,
	)
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, run RunInfo, stats sink.Stats) (*PublishResult, error) {
	dir := p.RunPrefix(run)
	manifest := &Manifest{
		Run:       run,
		TotalRows: stats.TotalRows,
		Producer:  p.producer,
		CreatedAt: time.Now().UTC(),
	}
	res := &PublishResult{Prefix: dir, Manifest: manifest}

	var temps []string
	for _, sh := range stats.Shards {
		name := filepath.Base(sh.Path)
		key := dir + name

		tmp, sum, n, err := p.store.UploadTemp(ctx, key, sh.Path)
		if err != nil {
			p.store.Abort(ctx, temps)
			return nil, err
		}
		temps = append(temps, tmp)
		res.Keys = append(res.Keys, key)
		res.Bytes += n
		manifest.Files = append(manifest.Files, FileInfo{
			File:     name,
			Shard:    sh.Index,
			Checksum: "sha256:" + sum,
			RowCount: sh.Rows,
			ByteSize: n,
		})
	}

	data, err := manifest.MarshalJSON()
	if err != nil {
		p.store.Abort(ctx, temps)
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	res.ManifestKey = dir + ManifestName
	tmp, err := p.store.WriteTemp(ctx, res.ManifestKey, data)
	if err != nil {
		p.store.Abort(ctx, temps)
		return nil, err
	}
	temps = append(temps, tmp)

	finals := append(append([]string(nil), res.Keys...), res.ManifestKey)
	if err := p.store.Finalize(ctx, temps, finals); err != nil {
		return nil, err
	}
	return res, nil
}
