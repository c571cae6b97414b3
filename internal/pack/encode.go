// Package pack turns exams into share codes and back.
//
// A code is either the legacy dialect, bare base64url of the JSON payload,
// or the compressed dialect, "v2_" followed by base64url of the gzipped
// payload. Links carry the code in the "exam" query parameter.
package pack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/examlink/internal/codec"
	"github.com/pavelanni/examlink/internal/model"
)

const (
	// PrefixCompressed marks the compressed dialect.
	PrefixCompressed = "v2_"
	// ExamParam is the query parameter exam links use.
	ExamParam = "exam"
)

// Limits are the size thresholds and compaction knobs of the encoder.
type Limits struct {
	Soft           int // link length that triggers compaction
	Hard           int // link length the url channel never exceeds
	Clipboard      int // code length cap for the clipboard channel, 0 = none
	ImageCutoff    int // compaction drops images longer than this
	ExplanationMax int // compaction keeps this many runes of an explanation
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Soft:           2000,
		Hard:           8000,
		Clipboard:      0,
		ImageCutoff:    200,
		ExplanationMax: 50,
	}
}

const ellipsis = "..."

// EncodeOptions selects the channel and whether images may be sacrificed.
type EncodeOptions struct {
	Channel        model.Channel
	AllowImageLoss bool
}

// Result is a successful encode.
type Result struct {
	Code          string `json:"code"`
	URL           string `json:"url,omitempty"`
	Level         int    `json:"level"`
	Compressed    bool   `json:"compressed"`
	ImagesDropped bool   `json:"imagesDropped"`
}

// Encoder builds share codes. It is safe for concurrent use.
type Encoder struct {
	baseURL string
	limits  Limits
	comp    codec.Compressor
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithLimits overrides the default limits. Zero fields keep their defaults.
func WithLimits(l Limits) EncoderOption {
	return func(e *Encoder) {
		d := DefaultLimits()
		if l.Soft <= 0 {
			l.Soft = d.Soft
		}
		if l.Hard <= 0 {
			l.Hard = d.Hard
		}
		if l.Clipboard < 0 {
			l.Clipboard = 0
		}
		if l.ImageCutoff <= 0 {
			l.ImageCutoff = d.ImageCutoff
		}
		if l.ExplanationMax <= 0 {
			l.ExplanationMax = d.ExplanationMax
		}
		e.limits = l
	}
}

// WithCompressor sets the compressor. codec.NoCompression forces the legacy dialect.
func WithCompressor(c codec.Compressor) EncoderOption {
	return func(e *Encoder) {
		e.comp = c
	}
}

// NewEncoder creates an encoder producing links under baseURL
// (origin + path, e.g. "https://example.org/app/").
func NewEncoder(baseURL string, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		baseURL: baseURL,
		limits:  DefaultLimits(),
		comp:    codec.Gzip{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.comp == nil {
		e.comp = codec.NoCompression{}
	}
	return e
}

// Limits returns the encoder's effective limits.
func (e *Encoder) Limits() Limits { return e.limits }

// Encode packs exam for the requested channel.
//
// The url channel starts at full fidelity and compacts once when the link
// is longer than the soft ceiling. Compaction that drops images needs
// AllowImageLoss; without it the result is a PayloadTooLarge error with
// ImagesDropped set, so the caller can confirm the lossy link or switch to
// the clipboard channel. A link that cannot fit the hard ceiling is a
// PayloadTooLarge error, never a truncated code.
func (e *Encoder) Encode(exam model.Exam, opts EncodeOptions) (Result, error) {
	switch opts.Channel {
	case model.ChannelClipboard:
		return e.encodeClipboard(exam)
	case model.ChannelURL, "":
		return e.encodeURL(exam, opts.AllowImageLoss)
	default:
		return Result{}, fmt.Errorf("pack: unknown channel %q", opts.Channel)
	}
}

func (e *Encoder) encodeClipboard(exam model.Exam) (Result, error) {
	res, err := e.build(exam, 0)
	if err != nil {
		return Result{}, err
	}
	if e.limits.Clipboard > 0 && len(res.Code) > e.limits.Clipboard {
		return Result{}, &Error{Kind: KindPayloadTooLarge, Len: len(res.Code), Limit: e.limits.Clipboard}
	}
	return res, nil
}

func (e *Encoder) encodeURL(exam model.Exam, allowImageLoss bool) (Result, error) {
	full, err := e.build(exam, 0)
	if err != nil {
		return Result{}, err
	}
	full.URL = e.link(full.Code)
	if len(full.URL) <= e.limits.Soft {
		return full, nil
	}

	compact, err := e.build(exam, 1)
	if err != nil {
		return Result{}, err
	}
	compact.URL = e.link(compact.Code)
	slog.Debug("exam link over soft ceiling, compacted",
		"full_len", len(full.URL),
		"compact_len", len(compact.URL),
		"images_dropped", compact.ImagesDropped,
	)

	if compact.ImagesDropped && !allowImageLoss {
		return Result{}, &Error{
			Kind:          KindPayloadTooLarge,
			Len:           len(full.URL),
			Limit:         e.limits.Soft,
			ImagesDropped: true,
		}
	}
	if len(compact.URL) > e.limits.Hard {
		return Result{}, &Error{
			Kind:          KindPayloadTooLarge,
			Len:           len(compact.URL),
			Limit:         e.limits.Hard,
			ImagesDropped: compact.ImagesDropped,
		}
	}
	return compact, nil
}

// link appends the code to the base URL as the exam parameter.
func (e *Encoder) link(code string) string {
	sep := "?"
	if strings.Contains(e.baseURL, "?") {
		sep = "&"
	}
	return e.baseURL + sep + ExamParam + "=" + code
}

func (e *Encoder) build(exam model.Exam, level int) (Result, error) {
	pe, dropped := e.packageExam(exam, level)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pe); err != nil {
		return Result{}, fmt.Errorf("marshal exam: %w", err)
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")

	res := Result{Level: level, ImagesDropped: dropped}
	if e.comp.Available() {
		packed, err := e.comp.Compress(payload)
		if err == nil {
			res.Code = PrefixCompressed + codec.EncodeURL(packed)
			res.Compressed = true
			return res, nil
		}
		slog.Warn("compression failed, using legacy dialect", "error", err)
	}
	res.Code = codec.EncodeURL(payload)
	return res, nil
}

// packageExam converts exam to its wire form at the given compaction level.
func (e *Encoder) packageExam(exam model.Exam, level int) (model.PackagedExam, bool) {
	pe := model.PackagedExam{
		Subject:      exam.Subject,
		Grade:        exam.Grade,
		AssignmentID: exam.AssignmentID,
		Questions:    make([][]any, 0, len(exam.Questions)),
	}
	dropped := false
	for _, q := range exam.Questions {
		if level > 0 {
			var d bool
			q, d = e.compact(q)
			dropped = dropped || d
		}
		pe.Questions = append(pe.Questions, Tuple(q))
	}
	return pe, dropped
}

// compact applies level-1 reductions to a copy of q.
func (e *Encoder) compact(q model.ExamQuestion) (model.ExamQuestion, bool) {
	dropped := false
	if utf8.RuneCountInString(q.Explanation) > e.limits.ExplanationMax {
		q.Explanation = string([]rune(q.Explanation)[:e.limits.ExplanationMax]) + ellipsis
	}
	if q.Image != "" && e.heavyImage(q.Image) {
		q.Image = ""
		dropped = true
	}
	if len(q.Options) > 0 {
		opts := make([]model.Option, len(q.Options))
		copy(opts, q.Options)
		for i := range opts {
			if opts[i].Image != "" && e.heavyImage(opts[i].Image) {
				opts[i].Image = ""
				dropped = true
			}
		}
		q.Options = opts
	}
	return q, dropped
}

// heavyImage reports whether an image is worth dropping under size pressure:
// long values, inline vector markup and data URIs.
func (e *Encoder) heavyImage(img string) bool {
	if len(img) > e.limits.ImageCutoff {
		return true
	}
	s := strings.ToLower(strings.TrimSpace(img))
	return strings.HasPrefix(s, "data:") || strings.Contains(s, "<svg")
}

// Tuple returns the compact tuple for q:
// [kindFlag, content, options, answer, explanation, image] without the
// trailing empty elements.
func Tuple(q model.ExamQuestion) []any {
	flag := 0
	if q.Kind == model.KindMultipleChoice {
		flag = 1
	}
	opts := q.Options
	if opts == nil {
		opts = []model.Option{}
	}
	t := []any{flag, q.Content, opts, q.Answer, q.Explanation, q.Image}
	for len(t) > 2 && emptyElem(t[len(t)-1]) {
		t = t[:len(t)-1]
	}
	return t
}

func emptyElem(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case []model.Option:
		return len(x) == 0
	}
	return false
}
