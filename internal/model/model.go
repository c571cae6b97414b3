package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// QuestionKind distinguishes multiple-choice from open-ended questions.
type QuestionKind string

const (
	KindMultipleChoice QuestionKind = "multiple_choice"
	KindOpenEnded      QuestionKind = "open_ended"
)

// Level is the cognitive level a question targets.
type Level string

const (
	LevelRecognition   Level = "Nhận biết"
	LevelUnderstanding Level = "Thông hiểu"
	LevelApplication   Level = "Vận dụng"
	LevelAdvanced      Level = "Vận dụng cao"
)

// DefaultLevel is applied to decoded questions that carry no level.
const DefaultLevel = LevelUnderstanding

// Channel selects where an encoded exam travels.
type Channel string

const (
	// ChannelURL embeds the code in a share link and is subject to size ceilings.
	ChannelURL Channel = "url"
	// ChannelClipboard is the copy-paste code; it always keeps full fidelity.
	ChannelClipboard Channel = "clipboard-code"
)

// Option is one answer choice of a multiple-choice question.
//
// On the wire an option without an image is a bare JSON string.
type Option struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// MarshalJSON writes the option as a plain string when it has no image.
func (o Option) MarshalJSON() ([]byte, error) {
	if o.Image == "" {
		return json.Marshal(o.Text)
	}
	type plain Option
	return json.Marshal(plain(o))
}

// UnmarshalJSON accepts a bare string, a number or a {text, image} object.
func (o *Option) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*o = Option{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = Option{Text: s}
		return nil
	case data[0] == '{':
		type plain Option
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*o = Option(p)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("option: unsupported value %s", data)
		}
		*o = Option{Text: n.String()}
		return nil
	}
}

// ExamQuestion is a single question of an exam as the app holds it in memory.
type ExamQuestion struct {
	ID          string       `json:"id"`
	Kind        QuestionKind `json:"kind"`
	Content     string       `json:"content"`
	Options     []Option     `json:"options,omitempty"`
	Answer      string       `json:"answer"`
	Explanation string       `json:"explanation,omitempty"`
	Image       string       `json:"image,omitempty"`
	Level       Level        `json:"level,omitempty"`
}

// Exam is a question set plus the metadata shared with it.
type Exam struct {
	Subject      string         `json:"subject"`
	Grade        string         `json:"grade"`
	AssignmentID string         `json:"assignmentId,omitempty"`
	Questions    []ExamQuestion `json:"questions"`
}

// PackagedExam is the wire form of an exam. Questions are compact tuples
// [kindFlag, content, options, answer, explanation, image] with trailing
// empty elements removed.
type PackagedExam struct {
	Subject      string  `json:"s"`
	Grade        string  `json:"g"`
	AssignmentID string  `json:"aid,omitempty"`
	Questions    [][]any `json:"q"`
}

// Submission is what a student reports after a practice run.
type Submission struct {
	AssignmentID string
	StudentName  string
	Score        float64
	Correct      int
	Total        int
}

// Detail renders the correct/total pair carried in result tags.
func (s Submission) Detail() string {
	return fmt.Sprintf("%d/%d", s.Correct, s.Total)
}

// SubmissionResult is the payload of a submission link.
type SubmissionResult struct {
	AssignmentID      string  `json:"aid"`
	StudentIdentifier string  `json:"sid"`
	Score             float64 `json:"sc"`
}

// TaggedResult is one #EDU_RESULT# line found in pasted text.
type TaggedResult struct {
	Name   string `json:"name"`
	Score  string `json:"score"`
	Detail string `json:"detail,omitempty"`
}

// ResultSource records how a gradebook entry arrived.
type ResultSource string

const (
	SourceLink    ResultSource = "link"
	SourceHarvest ResultSource = "harvest"
)

// GradebookEntry is a stored score for a student.
type GradebookEntry struct {
	ID           int64        `json:"id"`
	AssignmentID string       `json:"assignment_id,omitempty"`
	StudentName  string       `json:"student_name"`
	Score        string       `json:"score"`
	Detail       string       `json:"detail,omitempty"`
	Source       ResultSource `json:"source"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

// ShareConfig holds runtime parameters set via CLI flags.
type ShareConfig struct {
	BaseURL        string // origin + path the exam links point at
	SoftLimit      int    // link length that triggers compaction
	HardLimit      int    // link length that fails the url channel
	ClipboardLimit int    // 0 means unbounded
	ImageCutoff    int    // images longer than this are dropped when compacting
	ExplanationMax int    // runes kept from an explanation when compacting
	Compression    bool   // false simulates a runtime without gzip streams
}
