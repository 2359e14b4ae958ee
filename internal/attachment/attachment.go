package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/RichardoC/pana-chat/internal/models"
)

var (
	ErrRead   = errors.New("attachment read failed")
	ErrDecode = errors.New("attachment decode failed")
)

type Mode string

const (
	// ModeInline sends encoded images to the model as data URIs.
	ModeInline Mode = "inline"
	// ModeDescribe only appends the descriptive note.
	ModeDescribe Mode = "describe"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

type kind int

const (
	kindMissing kind = iota
	kindBytes
	kindText
	kindDeferred
)

// Loader reads attachment content on demand.
type Loader func(ctx context.Context) ([]byte, error)

// Attachment is a named payload submitted with a user message. The zero value
// is an attachment without content.
type Attachment struct {
	Name string

	kind kind
	data []byte
	text string
	load Loader
}

func FromBytes(name string, data []byte) Attachment {
	if data == nil {
		return Missing(name)
	}
	return Attachment{Name: name, kind: kindBytes, data: data}
}

// FromText wraps content that already arrived decoded.
func FromText(name, text string) Attachment {
	return Attachment{Name: name, kind: kindText, text: text}
}

func Missing(name string) Attachment {
	return Attachment{Name: name, kind: kindMissing}
}

func Deferred(name string, load Loader) Attachment {
	if load == nil {
		return Missing(name)
	}
	return Attachment{Name: name, kind: kindDeferred, load: load}
}

// Failed is an attachment whose content could not be obtained at the boundary.
func Failed(name string, err error) Attachment {
	return Deferred(name, func(context.Context) ([]byte, error) { return nil, err })
}

func (a Attachment) DisplayName() string {
	if a.Name == "" {
		return "unknown"
	}
	return a.Name
}

func (a Attachment) IsImage() bool {
	_, ok := imageTypes[strings.ToLower(filepath.Ext(a.Name))]
	return ok
}

func (a Attachment) mimeType() string {
	if t, ok := imageTypes[strings.ToLower(filepath.Ext(a.Name))]; ok {
		return t
	}
	return "application/octet-stream"
}

type Status int

const (
	StatusImageEncoded Status = iota
	StatusImageNotBytes
	StatusImageMissing
	StatusTextRead
	StatusTextMissing
	StatusFailed
)

type Outcome struct {
	Name   string
	Status Status
	Err    error
}

// Result is the folded form of a turn's attachments.
type Result struct {
	Text     string
	Images   []models.Image
	Notices  []string
	Outcomes []Outcome
}

func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			n++
		}
	}
	return n
}

type Processor struct {
	Mode Mode
}

func NewProcessor(mode Mode) *Processor {
	if mode == "" {
		mode = ModeInline
	}
	return &Processor{Mode: mode}
}

// Process folds each attachment into the result in order. A failing
// attachment becomes a placeholder and never stops the others.
func (p *Processor) Process(ctx context.Context, attachments []Attachment) Result {
	var (
		res Result
		buf strings.Builder
	)
	for _, a := range attachments {
		name := a.DisplayName()
		out, err := p.processOne(ctx, a, &res)
		if err != nil {
			fmt.Fprintf(&buf, "\n\n[Error reading file %s: %s]", name, errorMessage(err))
			res.Outcomes = append(res.Outcomes, Outcome{Name: name, Status: StatusFailed, Err: err})
			continue
		}
		buf.WriteString(out.note)
		if out.notice != "" {
			res.Notices = append(res.Notices, out.notice)
		}
		res.Outcomes = append(res.Outcomes, Outcome{Name: name, Status: out.status})
	}
	res.Text = buf.String()
	return res
}

type folded struct {
	status Status
	note   string
	notice string
}

func (p *Processor) processOne(ctx context.Context, a Attachment, res *Result) (folded, error) {
	name := a.DisplayName()
	data, text, k, err := a.content(ctx)
	if err != nil {
		return folded{}, err
	}

	if a.IsImage() {
		if k == kindBytes && len(data) == 0 {
			k = kindMissing
		}
		switch k {
		case kindMissing:
			return folded{status: StatusImageMissing, note: fmt.Sprintf("\n\n[Image File: %s - No content available]", name)}, nil
		case kindText:
			return folded{status: StatusImageNotBytes, note: fmt.Sprintf("\n\n[Image File: %s - Content not in bytes format]", name)}, nil
		}
		if p.Mode == ModeInline {
			res.Images = append(res.Images, models.Image{
				Name:     name,
				MIMEType: a.mimeType(),
				DataURI:  "data:" + a.mimeType() + ";base64," + base64.StdEncoding.EncodeToString(data),
			})
		}
		return folded{
			status: StatusImageEncoded,
			note:   fmt.Sprintf("\n\n[Image File: %s - Base64 encoded image data included for analysis]", name),
			notice: "🖼️ Processing image: " + name,
		}, nil
	}

	switch k {
	case kindMissing:
		return folded{status: StatusTextMissing, note: fmt.Sprintf("\n\n[File: %s - No content available]", name)}, nil
	case kindBytes:
		if !utf8.Valid(data) {
			return folded{}, fmt.Errorf("%w: content is not valid UTF-8 text", ErrDecode)
		}
		text = string(data)
	}
	return folded{
		status: StatusTextRead,
		note:   fmt.Sprintf("\n\n[File: %s]\n%s", name, text),
		notice: "📁 Read file: " + name,
	}, nil
}

// content resolves deferred loaders so callers only see bytes, text or missing.
func (a Attachment) content(ctx context.Context) ([]byte, string, kind, error) {
	if a.kind != kindDeferred {
		return a.data, a.text, a.kind, nil
	}
	data, err := a.load(ctx)
	if err != nil {
		return nil, "", kindMissing, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if data == nil {
		return nil, "", kindMissing, nil
	}
	return data, "", kindBytes, nil
}

// errorMessage strips the kind prefix so placeholders show the underlying cause.
func errorMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{ErrRead.Error() + ": ", ErrDecode.Error() + ": "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}
