package pack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examlink/internal/codec"
	"github.com/pavelanni/examlink/internal/model"
)

const (
	// SubmissionParam is the query parameter submission links use.
	SubmissionParam = "submission"
	// ResultTag starts a result line pasted into free text.
	ResultTag = "#EDU_RESULT#"
)

var resultTagRegex = regexp.MustCompile(`#EDU_RESULT#:([^:\r\n]+):([^:\s]+):([^:\s]*)`)

var tagFieldReplacer = strings.NewReplacer(":", " ", "\r", " ", "\n", " ")

// EncodeSubmission reports a practice result. With an assignment id it
// returns the standard base64 token of {aid, sid, sc} for a submission
// link; without one it returns a tag line meant to be pasted into chat.
func EncodeSubmission(sub model.Submission) (string, error) {
	name := strings.TrimSpace(sub.StudentName)
	if name == "" {
		return "", errors.New("pack: submission needs a student name")
	}

	if sub.AssignmentID == "" {
		return fmt.Sprintf("%s:%s:%s:%s:",
			ResultTag,
			strings.TrimSpace(tagFieldReplacer.Replace(name)),
			strconv.FormatFloat(sub.Score, 'f', 1, 64),
			sub.Detail(),
		), nil
	}

	data, err := json.Marshal(model.SubmissionResult{
		AssignmentID:      sub.AssignmentID,
		StudentIdentifier: name,
		Score:             sub.Score,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	return codec.EncodeStd(data), nil
}

// SubmissionURL builds the link a student sends back to the teacher.
func SubmissionURL(baseURL, token string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + url.Values{SubmissionParam: {token}}.Encode()
}

// DecodeSubmission reads the submission parameter of rawURL.
func DecodeSubmission(rawURL string) (model.SubmissionResult, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return model.SubmissionResult{}, invalidSubmission("parse url: %w", err)
	}
	token := u.Query().Get(SubmissionParam)
	if token == "" {
		return model.SubmissionResult{}, invalidSubmission("missing %q parameter", SubmissionParam)
	}
	return DecodeSubmissionToken(token)
}

// DecodeSubmissionToken decodes the value of a submission parameter.
func DecodeSubmissionToken(token string) (model.SubmissionResult, error) {
	// An unescaped '+' in a query string decodes to a space.
	token = strings.ReplaceAll(token, " ", "+")
	raw, err := codec.DecodeLoose(token)
	if err != nil {
		return model.SubmissionResult{}, invalidSubmission("decode token: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.SubmissionResult{}, invalidSubmission("parse token: not a JSON object")
	}
	for _, k := range []string{"aid", "sid", "sc"} {
		if v, ok := fields[k]; !ok || isNull(v) {
			return model.SubmissionResult{}, invalidSubmission("missing field %q", k)
		}
	}

	res := model.SubmissionResult{
		AssignmentID:      asString(fields["aid"]),
		StudentIdentifier: asString(fields["sid"]),
	}
	if res.AssignmentID == "" || res.StudentIdentifier == "" {
		return model.SubmissionResult{}, invalidSubmission("empty aid or sid")
	}
	sc, err := strconv.ParseFloat(asString(fields["sc"]), 64)
	if err != nil {
		return model.SubmissionResult{}, invalidSubmission("score: %w", err)
	}
	res.Score = sc
	return res, nil
}

// ExtractResults returns every result tag in text, in order of appearance.
func ExtractResults(text string) []model.TaggedResult {
	matches := resultTagRegex.FindAllStringSubmatch(text, -1)
	out := make([]model.TaggedResult, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		out = append(out, model.TaggedResult{
			Name:   name,
			Score:  m[2],
			Detail: m[3],
		})
	}
	return out
}
