package pack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/examlink/internal/codec"
	"github.com/pavelanni/examlink/internal/model"
)

// Decoder recovers exams from codes of any supported vintage.
type Decoder struct {
	comp  codec.Compressor
	newID func() string
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecompressor sets the decompressor. codec.NoCompression makes the
// decoder skip the compressed dialect.
func WithDecompressor(c codec.Compressor) DecoderOption {
	return func(d *Decoder) {
		d.comp = c
	}
}

// WithIDs sets the id generator for decoded questions.
func WithIDs(f func() string) DecoderOption {
	return func(d *Decoder) {
		d.newID = f
	}
}

// NewDecoder creates a decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{comp: codec.Gzip{}, newID: uuid.NewString}
	for _, o := range opts {
		o(d)
	}
	if d.comp == nil {
		d.comp = codec.NoCompression{}
	}
	return d
}

var defaultDecoder = NewDecoder()

// Decode decodes code with the default decoder.
func Decode(code string) (model.Exam, error) {
	return defaultDecoder.Decode(code)
}

// DecodeLink accepts either a full exam link or a bare code.
func (d *Decoder) DecodeLink(s string) (model.Exam, error) {
	s = strings.TrimSpace(s)
	if code, ok := examParam(s); ok {
		return d.Decode(code)
	}
	return d.Decode(s)
}

func examParam(s string) (string, bool) {
	if !strings.Contains(s, ExamParam+"=") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	code := u.Query().Get(ExamParam)
	return code, code != ""
}

// Decode parses code and normalizes it into an exam.
//
// A "v2_" code is tried as the compressed dialect first; any failure there
// falls through to the legacy dialect, since the prefix can occur in a
// legacy payload by chance.
func (d *Decoder) Decode(code string) (model.Exam, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Exam{}, malformed(code, errors.New("empty code"))
	}

	var fields map[string]json.RawMessage
	var errV2 error
	if strings.HasPrefix(code, PrefixCompressed) && d.comp.Available() {
		fields, errV2 = d.parseCompressed(code[len(PrefixCompressed):])
		if errV2 != nil {
			slog.Debug("compressed dialect failed, trying legacy", "error", errV2)
		}
	}
	if fields == nil {
		var err error
		fields, err = parseLegacy(code)
		if err != nil {
			return model.Exam{}, malformed(code, errors.Join(errV2, err))
		}
	}

	return d.normalize(fields)
}

func (d *Decoder) parseCompressed(body string) (map[string]json.RawMessage, error) {
	packed, err := codec.DecodeLoose(body)
	if err != nil {
		return nil, err
	}
	raw, err := d.comp.Decompress(packed)
	if err != nil {
		return nil, err
	}
	return parseObject(raw)
}

func parseLegacy(code string) (map[string]json.RawMessage, error) {
	raw, err := codec.DecodeLoose(code)
	if err != nil {
		return nil, err
	}
	return parseObject(raw)
}

// parseObject tries every text reading of raw until one is a JSON object.
func parseObject(raw []byte) (map[string]json.RawMessage, error) {
	var lastErr error
	for _, text := range codec.TextCandidates(raw) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			lastErr = err
			continue
		}
		if m == nil {
			lastErr = errors.New("payload is not a JSON object")
			continue
		}
		return m, nil
	}
	if lastErr == nil {
		lastErr = errors.New("payload has no text")
	}
	return nil, fmt.Errorf("parse payload: %w", lastErr)
}

// shape names the historical layouts of the question list.
type shape int

const (
	shapeNone shape = iota
	// shapeTuple: [kindFlag, content, options, answer, explanation, image].
	shapeTuple
	// shapeObject: objects with named fields, possibly mixed with positional keys.
	shapeObject
	// shapePositional: objects keyed "0".."5" in tuple order.
	shapePositional
)

func (s shape) String() string {
	switch s {
	case shapeTuple:
		return "tuple"
	case shapeObject:
		return "object"
	case shapePositional:
		return "positional"
	default:
		return "none"
	}
}

// positional indices shared by tuples and positional objects.
const (
	idxKind = iota
	idxContent
	idxOptions
	idxAnswer
	idxExplanation
	idxImage
)

func sniffShape(items []json.RawMessage) shape {
	for _, it := range items {
		it = bytes.TrimSpace(it)
		if len(it) == 0 || bytes.Equal(it, []byte("null")) {
			continue
		}
		switch it[0] {
		case '[':
			return shapeTuple
		case '{':
			var m map[string]json.RawMessage
			if err := json.Unmarshal(it, &m); err != nil {
				return shapeNone
			}
			for k := range m {
				if !isDigits(k) {
					return shapeObject
				}
			}
			return shapePositional
		default:
			return shapeNone
		}
	}
	return shapeNone
}

func (d *Decoder) normalize(fields map[string]json.RawMessage) (model.Exam, error) {
	exam := model.Exam{
		Subject:      firstString(fields, "s", "subject"),
		Grade:        firstString(fields, "g", "grade"),
		AssignmentID: firstString(fields, "aid", "assignmentId"),
	}

	items := questionList(fields)
	sh := sniffShape(items)
	for _, it := range items {
		var q model.ExamQuestion
		var ok bool
		switch sh {
		case shapeTuple:
			q, ok = parseTuple(it)
		case shapeObject, shapePositional:
			q, ok = parseNamed(it)
		}
		if !ok || strings.TrimSpace(q.Content) == "" {
			continue
		}
		q.ID = d.newID()
		if q.Level == "" {
			q.Level = model.DefaultLevel
		}
		if q.Kind != model.KindMultipleChoice {
			q.Options = nil
		} else if q.Options == nil {
			q.Options = []model.Option{}
		}
		exam.Questions = append(exam.Questions, q)
	}

	if len(exam.Questions) == 0 {
		return model.Exam{}, &Error{Kind: KindEmptyPayload, Err: fmt.Errorf("no usable questions in %s list of %d", sh, len(items))}
	}
	slog.Debug("decoded exam", "shape", sh.String(), "questions", len(exam.Questions))
	return exam, nil
}

// questionList returns the first of "q" and "questions" that is a JSON array.
func questionList(fields map[string]json.RawMessage) []json.RawMessage {
	for _, key := range []string{"q", "questions"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
			return items
		}
	}
	return nil
}

func parseTuple(raw json.RawMessage) (model.ExamQuestion, bool) {
	var t []json.RawMessage
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.ExamQuestion{}, false
	}
	at := func(i int) json.RawMessage {
		if i < len(t) {
			return t[i]
		}
		return nil
	}
	q := model.ExamQuestion{
		Kind:        kindFromFlag(at(idxKind)),
		Content:     asString(at(idxContent)),
		Options:     asOptions(at(idxOptions)),
		Answer:      asString(at(idxAnswer)),
		Explanation: asString(at(idxExplanation)),
		Image:       asString(at(idxImage)),
	}
	return q, true
}

// parseNamed reads an object question. Named fields win; the positional key
// of the same slot is the fallback.
func parseNamed(raw json.RawMessage) (model.ExamQuestion, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return model.ExamQuestion{}, false
	}
	field := func(pos int, names ...string) json.RawMessage {
		for _, n := range names {
			if v, ok := m[n]; ok && !isNull(v) {
				return v
			}
		}
		if v, ok := m[strconv.Itoa(pos)]; ok && !isNull(v) {
			return v
		}
		return nil
	}

	q := model.ExamQuestion{
		Content:     asString(field(idxContent, "content", "question", "text")),
		Options:     asOptions(field(idxOptions, "options", "choices")),
		Answer:      asString(field(idxAnswer, "answer", "correctAnswer")),
		Explanation: asString(field(idxExplanation, "explanation")),
		Image:       asString(field(idxImage, "image", "svg")),
		Level:       model.Level(asString(m["level"])),
	}
	if k := field(idxKind, "type", "kind"); k != nil {
		q.Kind = kindFromFlag(k)
	} else if len(q.Options) > 0 {
		q.Kind = model.KindMultipleChoice
	} else {
		q.Kind = model.KindOpenEnded
	}
	return q, true
}

// kindFromFlag maps 1, true and the multiple-choice names to
// KindMultipleChoice; anything else is open-ended.
func kindFromFlag(raw json.RawMessage) model.QuestionKind {
	if raw == nil {
		return model.KindOpenEnded
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.KindOpenEnded
	}
	switch x := v.(type) {
	case float64:
		if x == 1 {
			return model.KindMultipleChoice
		}
	case bool:
		if x {
			return model.KindMultipleChoice
		}
	case string:
		s := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(x)))
		switch s {
		case "1", "mc", "mcq", "multiple_choice", "multiplechoice", "trắc_nghiệm", "trac_nghiem":
			return model.KindMultipleChoice
		}
	}
	return model.KindOpenEnded
}

func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && !isNull(v) {
			return asString(v)
		}
	}
	return ""
}

// asString reads a JSON string or number as text. Other values read as "".
func asString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func asOptions(raw json.RawMessage) []model.Option {
	if raw == nil {
		return nil
	}
	var opts []model.Option
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil
	}
	return opts
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
