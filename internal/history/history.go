// Package history assembles persisted conversation turns and their
// attachments into model-ready messages.
package history

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skiffworks/skiff/internal/llm"
)

// emptyContentPlaceholder stands in for blank message content. Some
// providers reject empty strings outright.
const emptyContentPlaceholder = "."

// Turn is one persisted conversation message plus its attachments.
// Files are local paths or pre-encoded data URLs.
type Turn struct {
	Role    string
	Content string
	Files   []string
}

// Extractor resolves a document attachment to text for the model.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// imageExtensions are attachment types inlined as data URLs rather
// than extracted to text.
var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Assembler converts turns into llm.Messages. Attachment resolution
// happens here, once per run; the orchestrator never touches files.
type Assembler struct {
	extractor Extractor
	logger    *slog.Logger
}

// NewAssembler creates an assembler. A nil extractor falls back to the
// built-in FileExtractor.
func NewAssembler(extractor Extractor, logger *slog.Logger) *Assembler {
	if extractor == nil {
		extractor = NewFileExtractor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{extractor: extractor, logger: logger}
}

// Assemble maps turns to ordered messages, prefixed with the system
// prompt. Attachment failures degrade to inline markers so one bad
// file never sinks the whole conversation.
func (a *Assembler) Assemble(ctx context.Context, systemPrompt string, turns []Turn) ([]llm.Message, error) {
	messages := make([]llm.Message, 0, len(turns)+1)

	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	}

	for _, turn := range turns {
		msg, err := a.Resolve(ctx, turn)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Resolve converts a single turn: images become data URLs on the
// message, documents are extracted and appended to the content, and
// blank content gets the placeholder.
func (a *Assembler) Resolve(ctx context.Context, turn Turn) (llm.Message, error) {
	msg := llm.Message{
		Role:    turn.Role,
		Content: turn.Content,
	}

	var docParts []string
	for _, file := range turn.Files {
		if strings.HasPrefix(file, "data:image/") {
			msg.Images = append(msg.Images, file)
			continue
		}

		if mime, ok := imageExtensions[strings.ToLower(filepath.Ext(file))]; ok {
			dataURL, err := encodeImage(file, mime)
			if err != nil {
				a.logger.Warn("skipping unreadable image attachment", "file", file, "error", err)
				docParts = append(docParts, fmt.Sprintf("[unreadable attachment: %s]", filepath.Base(file)))
				continue
			}
			msg.Images = append(msg.Images, dataURL)
			continue
		}

		text, err := a.extractor.Extract(ctx, file)
		if err != nil {
			a.logger.Warn("attachment extraction failed", "file", file, "error", err)
			docParts = append(docParts, fmt.Sprintf("[unreadable attachment: %s]", filepath.Base(file)))
			continue
		}
		docParts = append(docParts, fmt.Sprintf("--- Attached file: %s ---\n%s", filepath.Base(file), text))
	}

	if len(docParts) > 0 {
		if msg.Content != "" {
			msg.Content += "\n\n"
		}
		msg.Content += strings.Join(docParts, "\n\n")
	}

	if msg.Content == "" {
		msg.Content = emptyContentPlaceholder
	}

	return msg, nil
}

// encodeImage reads a file and returns it as a base64 data URL.
func encodeImage(path, mime string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}

// FileExtractor is the built-in Extractor for plain-text and HTML
// attachments. Anything else resolves to an unsupported marker so the
// model knows the file existed.
type FileExtractor struct{}

// NewFileExtractor creates the built-in extractor.
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{}
}

// Extract reads the file and returns its text content.
func (e *FileExtractor) Extract(_ context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".txt", ".md", ".log", ".csv":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return extractHTML(string(data)), nil

	default:
		return fmt.Sprintf("[unsupported attachment type: %s]", filepath.Base(path)), nil
	}
}
