// Package grading scores a student's practice run on a shared exam.
package grading

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/pavelanni/examlink/internal/model"
)

// maxScore is the top of the grading scale.
const maxScore = 10

var letterRegex = regexp.MustCompile(`^\s*([A-Za-z])\s*(?:[.):]|$)`)

// Result is the outcome of a practice run.
type Result struct {
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Ungraded int     `json:"ungraded"` // open-ended questions, left to the teacher
	Score    float64 `json:"score"`
}

// Submission turns the result into a report for the given student.
func (r Result) Submission(studentName, assignmentID string) model.Submission {
	return model.Submission{
		AssignmentID: assignmentID,
		StudentName:  studentName,
		Score:        r.Score,
		Correct:      r.Correct,
		Total:        r.Total,
	}
}

// ScorePractice grades responses, keyed by question id, against questions.
// Only multiple-choice questions count towards the total. A response may be
// an option letter ("B", "b.", "B. 4") or the option text.
func ScorePractice(questions []model.ExamQuestion, responses map[string]string) Result {
	var res Result
	for _, q := range questions {
		if q.Kind != model.KindMultipleChoice {
			res.Ungraded++
			continue
		}
		res.Total++
		if resp, ok := responses[q.ID]; ok && IsCorrect(q, resp) {
			res.Correct++
		}
	}
	if res.Total > 0 {
		res.Score = math.Round(float64(res.Correct)/float64(res.Total)*maxScore*10) / 10
	}
	return res
}

// IsCorrect reports whether resp picks the right option of q.
func IsCorrect(q model.ExamQuestion, resp string) bool {
	if strings.TrimSpace(resp) == "" {
		return false
	}
	want := optionIndex(q, q.Answer)
	got := optionIndex(q, resp)
	if want >= 0 {
		return got == want
	}
	return normalize(resp) == normalize(q.Answer)
}

// optionIndex resolves s to an option of q by letter label or by text.
// It returns -1 when s matches no option.
func optionIndex(q model.ExamQuestion, s string) int {
	if m := letterRegex.FindStringSubmatch(s); m != nil {
		i := int(unicode.ToUpper(rune(m[1][0])) - 'A')
		if i < len(q.Options) {
			return i
		}
	}
	n := normalize(s)
	for i, o := range q.Options {
		if normalize(o.Text) == n {
			return i
		}
	}
	return -1
}

// normalize does simple casefolding and drops punctuation and extra spaces.
func normalize(s string) string {
	out := make([]rune, 0, len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r):
		default:
			if space && len(out) > 0 {
				out = append(out, ' ')
			}
			space = false
			out = append(out, unicode.ToLower(r))
		}
	}
	return string(out)
}
