package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// export writes the committed index to the blob store and announces it.
// Failures are logged only; the commit already happened.
func (p *Processor) export(ctx context.Context, doc crawler.SitemapExport, logger *zap.Logger) {
	if p.deps.Blobs != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			logger.Error("marshal sitemap export", zap.Error(err))
			return
		}
		name := path.Join(p.cfg.ExportPrefix, doc.SiteID, doc.SitemapID+".json")
		uri, err := p.deps.Blobs.PutObject(ctx, name, "application/json", bytes.NewReader(data))
		if err != nil {
			logger.Error("write sitemap export", zap.String("path", name), zap.Error(err))
			return
		}
		doc.BlobURI = uri
		if p.deps.Hasher != nil {
			sum, err := p.deps.Hasher.Hash(data)
			if err != nil {
				logger.Warn("hash sitemap export", zap.Error(err))
			} else {
				doc.Checksum = sum
			}
		}
		logger.Debug("sitemap exported", zap.String("uri", uri))
	}

	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	// The notification carries a pointer to the blob, not the pages.
	doc.Pages = nil
	msgID, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, doc)
	if err != nil {
		logger.Error("publish sitemap completion", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("sitemap completion published", zap.String("message_id", msgID))
}
