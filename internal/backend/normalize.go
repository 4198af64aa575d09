package backend

import (
	"strings"
)

// ClassifyAttachment maps a declared MIME type onto an attachment kind.
func ClassifyAttachment(mime string) AttachmentKind {
	normalized := strings.ToLower(strings.TrimSpace(mime))
	if strings.HasPrefix(normalized, "image/") {
		return AttachmentImage
	}
	return AttachmentFile
}

// RawFile is the backend-neutral shape of a file entry before normalization.
type RawFile struct {
	ID          string
	Name        string
	MimeType    string
	URL         string
	DownloadURL string
}

// NormalizeAttachment builds an Attachment from a wire file entry. Entries
// without a usable content URL are rejected.
func NormalizeAttachment(raw RawFile) (Attachment, bool) {
	url := strings.TrimSpace(raw.URL)
	if url == "" {
		return Attachment{}, false
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = strings.TrimSpace(raw.ID)
	}
	return Attachment{
		ID:          strings.TrimSpace(raw.ID),
		URL:         url,
		Kind:        ClassifyAttachment(raw.MimeType),
		Name:        name,
		DownloadURL: strings.TrimSpace(raw.DownloadURL),
	}, true
}

// NormalizeAttachments applies NormalizeAttachment and silently drops unusable entries.
func NormalizeAttachments(files []RawFile) []Attachment {
	items := make([]Attachment, 0, len(files))
	for _, f := range files {
		att, ok := NormalizeAttachment(f)
		if !ok {
			continue
		}
		items = append(items, att)
	}
	return items
}
