package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/agent"
)

// Attachment is a file sent with a message, either by path inside the
// upload directory or inline as base64.
type Attachment struct {
	Name string `json:"name"`
	// Kind is image, audio, video or text. When empty it is derived from
	// the MIME type.
	Kind string `json:"kind,omitempty"`
	// Type is the MIME type.
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"`
	// IsText and Content carry text the client already read.
	IsText  bool   `json:"isText,omitempty"`
	Content string `json:"content,omitempty"`
}

const kindText = "text"

func (a Attachment) kind() string {
	if a.IsText && a.Content != "" {
		return kindText
	}
	if a.Kind != "" {
		return a.Kind
	}
	switch {
	case strings.HasPrefix(a.Type, "image/"):
		return string(agent.MediaImage)
	case strings.HasPrefix(a.Type, "audio/"):
		return string(agent.MediaAudio)
	case strings.HasPrefix(a.Type, "video/"):
		return string(agent.MediaVideo)
	}
	return kindText
}

func (a Attachment) name() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return "unnamed_file"
}

var errOutsideUploads = errors.New("path outside the upload directory")

// load returns the attachment's bytes.
func (a Attachment) load(uploadDir string, limit int64) ([]byte, error) {
	if a.Data != "" {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return data, nil
	}
	if a.Path == "" {
		return nil, errors.New("no path or data")
	}
	path, err := resolveUpload(uploadDir, a.Path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, errors.New("is a directory")
	}
	if fi.Size() > limit {
		return nil, fmt.Errorf("file too large: %d bytes", fi.Size())
	}
	return os.ReadFile(path)
}

// resolveUpload maps p onto a file inside dir, following symlinks.
func resolveUpload(dir, p string) (string, error) {
	if dir == "" {
		return "", errOutsideUploads
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full, err = filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideUploads
	}
	return full, nil
}

// resolveAttachments splits attachments into inlined text blocks and media.
// Attachments that cannot be read are skipped.
func (g *Gateway) resolveAttachments(atts []Attachment, log *zap.Logger) ([]string, []agent.Media) {
	var (
		texts []string
		media []agent.Media
	)
	for _, a := range atts {
		name := a.name()
		kind := a.kind()
		if a.IsText && a.Content != "" {
			texts = append(texts, fileBlock(name, a.Content))
			continue
		}
		data, err := a.load(g.cfg.UploadDir, g.cfg.MaxMessageBytes)
		if err != nil {
			log.Warn("skipping attachment", zap.String("name", name), zap.Error(err))
			continue
		}
		if kind == kindText {
			texts = append(texts, fileBlock(name, strings.ToValidUTF8(string(data), "")))
			continue
		}
		mime := a.Type
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		media = append(media, agent.Media{Kind: agent.MediaKind(kind), Name: name, MimeType: mime, Data: data})
	}
	return texts, media
}

func fileBlock(name, content string) string {
	return "--- File: " + name + " ---\n" + content
}

// composeMessage appends the inlined attachment text to message.
func composeMessage(message string, texts []string) string {
	if len(texts) == 0 {
		return message
	}
	return message + "\n\nContent from attached files:\n" + strings.Join(texts, "\n\n")
}
