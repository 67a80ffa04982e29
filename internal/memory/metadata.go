package memory

import (
	"sort"
	"strings"
	"time"
)

// recordMetadata merges caller metadata with the reserved keys.
func recordMetadata(r NewRecord, userID string, now time.Time) map[string]string {
	md := make(map[string]string, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[MetaSource] = string(r.Source)
	md[MetaCreatedAt] = now.UTC().Format(time.RFC3339Nano)
	if r.SourceID != "" {
		md[MetaSourceID] = r.SourceID
	}
	if userID != "" {
		md[MetaUserID] = userID
	}
	return md
}

// recordFromMetadata rebuilds a Record from stored text and metadata.
func recordFromMetadata(id, text string, md map[string]string) Record {
	rec := Record{
		ID:       id,
		Text:     text,
		UserID:   md[MetaUserID],
		Source:   Source(md[MetaSource]),
		SourceID: md[MetaSourceID],
		Metadata: md,
	}
	if ts, err := time.Parse(time.RFC3339Nano, md[MetaCreatedAt]); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

// validateRecords rejects records with empty or whitespace-only text.
func validateRecords(records []NewRecord) error {
	for _, r := range records {
		if strings.TrimSpace(r.Text) == "" {
			return ErrEmptyText
		}
	}
	return nil
}

func sortNewestFirst(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
}
