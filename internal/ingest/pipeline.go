// Package ingest implements the capture pipeline: a Preview step that turns
// raw media into a structured extraction without persisting anything, and a
// Confirm step that embeds and stores the document. The split keeps a bad or
// unwanted extraction free of cost; only an explicit Confirm writes.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/allcr/allcr/internal/storage"
)

// ErrBadExtraction is returned when the model's output is not a valid JSON
// extraction after fence stripping. It is a hard error: nothing is
// persisted and there is no retry.
var ErrBadExtraction = errors.New("extraction output is not valid JSON")

const maxURLFetchSize = 5 << 20 // 5MB

const describeSystemPrompt = "You are an OCR-to-JSON expert transcribing an image. " +
	"Respond with a single JSON object only. It must have a top-level 'name' (string), " +
	"'type' (an object with 'user' and 'ai_classified' string fields) and 'summary' " +
	"(string, a one-paragraph description), plus any other fields you see fit. " +
	"If the declared type is 'other', classify the object as you see fit."

// Extractor is the subset of the model-serving client the pipeline uses.
type Extractor interface {
	DescribeImage(ctx context.Context, imageB64, mimeType, system, user string) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DocumentInserter persists confirmed documents.
type DocumentInserter interface {
	InsertDocument(ctx context.Context, doc storage.Document) error
}

// Preview is the result of the first pipeline phase: the extraction plus the
// media payload to persist if the user confirms.
type Preview struct {
	Extraction storage.Extraction
	Media      string // base64
	MediaType  string
}

// Pipeline orchestrates capture, extraction and persistence.
type Pipeline struct {
	extractor  Extractor
	store      DocumentInserter
	httpClient *http.Client
}

// New creates a Pipeline. httpClient is used for URL captures; pass nil for
// a default with a 10s timeout.
func New(extractor Extractor, store DocumentInserter, httpClient *http.Client) *Pipeline {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pipeline{extractor: extractor, store: store, httpClient: httpClient}
}

// PreviewImage runs the vision model over a captured or uploaded image and
// parses its output into the canonical extraction. Nothing is persisted.
func (p *Pipeline) PreviewImage(ctx context.Context, image []byte, mimeType, category string) (Preview, error) {
	if category == "" {
		category = "other"
	}
	encoded := base64.StdEncoding.EncodeToString(image)

	user := fmt.Sprintf("Transcribe this %s into a JSON-only output for document storage. "+
		"Always include the 'name', 'type' (with 'user' set to %q) and 'summary' top-level fields.",
		category, category)

	raw, err := p.extractor.DescribeImage(ctx, encoded, mimeType, describeSystemPrompt, user)
	if err != nil {
		return Preview{}, fmt.Errorf("describing image: %w", err)
	}

	extraction, err := ParseExtraction(raw)
	if err != nil {
		return Preview{}, err
	}
	if extraction.Type.User == "" {
		extraction.Type.User = category
	}

	return Preview{Extraction: extraction, Media: encoded, MediaType: "image"}, nil
}

// PreviewAudio transcribes a recorded clip and synthesizes an extraction
// from the transcript.
func (p *Pipeline) PreviewAudio(ctx context.Context, audio []byte, filename string) (Preview, error) {
	transcript, err := p.extractor.Transcribe(ctx, audio, filename)
	if err != nil {
		return Preview{}, fmt.Errorf("transcribing audio: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Preview{}, fmt.Errorf("%w: empty transcript", ErrBadExtraction)
	}

	return Preview{
		Extraction: storage.Extraction{
			Name:    truncateName(transcript),
			Type:    storage.TypeField{User: "audio_transcription", AIClassified: "audio_transcription"},
			Summary: transcript,
		},
		Media:     base64.StdEncoding.EncodeToString(audio),
		MediaType: "audio",
	}, nil
}

// PreviewText synthesizes an extraction from already-plain text, such as PDF
// uploads or stripped web pages. media is the base64 payload of the original
// artifact the text came from; it is stored verbatim on confirm, so a PDF
// upload keeps the PDF bytes rather than the extracted text. Pass "" when
// there is no artifact to keep.
func (p *Pipeline) PreviewText(ctx context.Context, text, media, category, classified, mediaType string) (Preview, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Preview{}, fmt.Errorf("%w: empty text content", ErrBadExtraction)
	}
	if category == "" {
		category = "other"
	}

	return Preview{
		Extraction: storage.Extraction{
			Name:    truncateName(text),
			Type:    storage.TypeField{User: category, AIClassified: classified},
			Summary: text,
		},
		Media:     media,
		MediaType: mediaType,
	}, nil
}

// PreviewURL fetches a web page, strips its markup and synthesizes an
// extraction from the remaining text.
func (p *Pipeline) PreviewURL(ctx context.Context, pageURL, category string) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Preview{}, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Preview{}, fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Preview{}, fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return Preview{}, fmt.Errorf("reading url response: %w", err)
	}

	text, err := extractHTMLText(body)
	if err != nil {
		return Preview{}, fmt.Errorf("extracting page text: %w", err)
	}

	// The page itself is not kept, only its text.
	preview, err := p.PreviewText(ctx, text, "", category, "web_page", "url")
	if err != nil {
		return Preview{}, err
	}
	preview.Extraction.Extra = map[string]json.RawMessage{
		"source_url": mustJSON(pageURL),
	}
	return preview, nil
}

// Confirm embeds the extraction and persists the document atomically under
// the given owner, with an empty task history. This is the only pipeline
// step that writes.
func (p *Pipeline) Confirm(ctx context.Context, owner string, preview Preview) (string, error) {
	if owner == "" {
		return "", errors.New("document owner is required")
	}
	if err := preview.Extraction.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadExtraction, err)
	}

	vec, err := p.extractor.Embed(ctx, preview.Extraction.EmbeddingText())
	if err != nil {
		return "", fmt.Errorf("embedding document: %w", err)
	}

	doc := storage.Document{
		ID:         uuid.New().String(),
		Owner:      owner,
		Media:      preview.Media,
		MediaType:  preview.MediaType,
		Extraction: preview.Extraction,
		Embedding:  vec,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.InsertDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}
	return doc.ID, nil
}

// ParseExtraction unwraps an optional markdown code fence around the model
// output and parses the canonical extraction object.
func ParseExtraction(raw string) (storage.Extraction, error) {
	cleaned := UnwrapFence(raw)

	var extraction storage.Extraction
	if err := json.Unmarshal([]byte(cleaned), &extraction); err != nil {
		return storage.Extraction{}, fmt.Errorf("%w: %v", ErrBadExtraction, err)
	}
	if err := extraction.Validate(); err != nil {
		return storage.Extraction{}, fmt.Errorf("%w: %v", ErrBadExtraction, err)
	}
	return extraction, nil
}

// UnwrapFence strips a leading ``` or ```json marker and a trailing ```
// from the text. Unfenced input passes through unchanged, so the operation
// is idempotent.
func UnwrapFence(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// truncateName derives a short document name from the first characters of
// free text, the way a voice memo gets titled.
func truncateName(text string) string {
	const maxNameLen = 15
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxNameLen {
		return text
	}
	return strings.TrimSpace(string(runes[:maxNameLen]))
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
