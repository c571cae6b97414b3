package pack

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/pavelanni/examlink/internal/codec"
	"github.com/pavelanni/examlink/internal/model"
)

const testBase = "https://example.org/app/"

func mc(content string, answer string, options ...string) model.ExamQuestion {
	q := model.ExamQuestion{Kind: model.KindMultipleChoice, Content: content, Answer: answer}
	for _, o := range options {
		q.Options = append(q.Options, model.Option{Text: o})
	}
	return q
}

func scenarioExam() model.Exam {
	q2 := mc("Tên thủ đô Việt Nam?", "A. Hà Nội", "Hà Nội", "TP.HCM")
	q2.Image = "<svg>" + strings.Repeat("x", 39) + "</svg>"
	return model.Exam{
		Subject: "Toán",
		Grade:   "Lớp 3",
		Questions: []model.ExamQuestion{
			mc("2+2=?", "B. 4", "3", "4", "5"),
			q2,
		},
	}
}

func randomText(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.IntN(len(letters))]
	}
	return string(b)
}

// assertSameQuestions compares everything but ids and levels.
func assertSameQuestions(t *testing.T, got, want []model.ExamQuestion) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d questions, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Kind != w.Kind {
			t.Errorf("q%d kind = %q, want %q", i, g.Kind, w.Kind)
		}
		if g.Content != w.Content {
			t.Errorf("q%d content = %q, want %q", i, g.Content, w.Content)
		}
		if g.Answer != w.Answer {
			t.Errorf("q%d answer = %q, want %q", i, g.Answer, w.Answer)
		}
		if g.Explanation != w.Explanation {
			t.Errorf("q%d explanation = %q, want %q", i, g.Explanation, w.Explanation)
		}
		if g.Image != w.Image {
			t.Errorf("q%d image = %q, want %q", i, g.Image, w.Image)
		}
		if len(g.Options) != len(w.Options) {
			t.Errorf("q%d has %d options, want %d", i, len(g.Options), len(w.Options))
			continue
		}
		for j := range w.Options {
			if g.Options[j] != w.Options[j] {
				t.Errorf("q%d option %d = %+v, want %+v", i, j, g.Options[j], w.Options[j])
			}
		}
	}
}

func TestTuple(t *testing.T) {
	tests := []struct {
		name    string
		q       model.ExamQuestion
		wantLen int
	}{
		{"image and explanation", model.ExamQuestion{Kind: model.KindMultipleChoice, Content: "c", Answer: "A", Explanation: "e", Image: "i"}, 6},
		{"explanation only", model.ExamQuestion{Kind: model.KindMultipleChoice, Content: "c", Answer: "A", Explanation: "e"}, 5},
		{"neither", model.ExamQuestion{Kind: model.KindMultipleChoice, Content: "c", Answer: "A"}, 4},
		{"image without explanation keeps the gap", model.ExamQuestion{Kind: model.KindOpenEnded, Content: "c", Image: "i"}, 6},
		{"bare open ended", model.ExamQuestion{Kind: model.KindOpenEnded, Content: "c"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tuple(tt.q)
			if len(got) != tt.wantLen {
				t.Errorf("len(Tuple()) = %d, want %d (%v)", len(got), tt.wantLen, got)
			}
		})
	}

	if flag := Tuple(mc("c", "A"))[0]; flag != 1 {
		t.Errorf("multiple choice flag = %v, want 1", flag)
	}
}

func TestRoundTrip(t *testing.T) {
	exam := model.Exam{
		Subject:      "Vật lý",
		Grade:        "10",
		AssignmentID: "asg-42",
		Questions: []model.ExamQuestion{
			mc("Đơn vị của lực?", "C. Newton", "Joule", "Watt", "Newton"),
			{Kind: model.KindOpenEnded, Content: "Phát biểu định luật I Newton.", Answer: "Vật giữ nguyên trạng thái...", Explanation: "Quán tính"},
			{Kind: model.KindMultipleChoice, Content: "Chọn hình đúng", Answer: "A", Options: []model.Option{{Text: "A"}, {Text: "B", Image: "https://img.example/b.png"}}},
		},
	}

	tests := []struct {
		name           string
		comp           codec.Compressor
		wantCompressed bool
	}{
		{"compressed dialect", codec.Gzip{}, true},
		{"legacy dialect", codec.NoCompression{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewEncoder(testBase, WithCompressor(tt.comp))
			res, err := enc.Encode(exam, EncodeOptions{Channel: model.ChannelURL})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if res.Compressed != tt.wantCompressed {
				t.Errorf("Compressed = %v, want %v", res.Compressed, tt.wantCompressed)
			}
			if got := strings.HasPrefix(res.Code, PrefixCompressed); got != tt.wantCompressed {
				t.Errorf("code has v2_ prefix = %v, want %v", got, tt.wantCompressed)
			}
			if res.Level != 0 || res.ImagesDropped {
				t.Errorf("Level = %d, ImagesDropped = %v, want 0/false", res.Level, res.ImagesDropped)
			}

			got, err := NewDecoder(WithDecompressor(tt.comp)).DecodeLink(res.URL)
			if err != nil {
				t.Fatalf("DecodeLink: %v", err)
			}
			if got.Subject != exam.Subject || got.Grade != exam.Grade || got.AssignmentID != exam.AssignmentID {
				t.Errorf("metadata = %q/%q/%q, want %q/%q/%q",
					got.Subject, got.Grade, got.AssignmentID, exam.Subject, exam.Grade, exam.AssignmentID)
			}
			assertSameQuestions(t, got.Questions, exam.Questions)
			for i, q := range got.Questions {
				if q.Level != model.DefaultLevel {
					t.Errorf("q%d level = %q, want default %q", i, q.Level, model.DefaultLevel)
				}
			}
		})
	}
}

func TestDecodeToleratesMangledCompressedCode(t *testing.T) {
	exam := scenarioExam()
	res, err := NewEncoder(testBase).Encode(exam, EncodeOptions{Channel: model.ChannelClipboard})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	body := strings.TrimPrefix(res.Code, PrefixCompressed)
	std := strings.NewReplacer("-", "+", "_", "/").Replace(body)
	for len(std)%4 != 0 {
		std += "="
	}

	variants := map[string]string{
		"standard alphabet padded": PrefixCompressed + std,
		"wrapped by chat app":      PrefixCompressed + body[:len(body)/2] + "\n" + body[len(body)/2:],
		"surrounding whitespace":   "  " + res.Code + "\n",
	}
	for name, code := range variants {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(code)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			assertSameQuestions(t, got.Questions, exam.Questions)
		})
	}
}

func TestDecodeCompressedWithoutRuntimeSupport(t *testing.T) {
	res, err := NewEncoder(testBase).Encode(scenarioExam(), EncodeOptions{Channel: model.ChannelURL})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = NewDecoder(WithDecompressor(codec.NoCompression{})).Decode(res.Code)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Decode error = %v, want ErrMalformedPayload", err)
	}
}

func TestConcreteScenario(t *testing.T) {
	exam := scenarioExam()
	if n := len(exam.Questions[1].Image); n != 50 {
		t.Fatalf("fixture image length = %d, want 50", n)
	}

	for _, comp := range []codec.Compressor{codec.Gzip{}, codec.NoCompression{}} {
		res, err := NewEncoder(testBase, WithCompressor(comp)).Encode(exam, EncodeOptions{Channel: model.ChannelURL})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if res.Level != 0 {
			t.Errorf("Level = %d, want 0", res.Level)
		}
		if res.ImagesDropped {
			t.Error("ImagesDropped = true, want false")
		}
		if strings.HasPrefix(res.Code, PrefixCompressed) != comp.Available() {
			t.Errorf("v2_ prefix on %q with compression available = %v", res.Code, comp.Available())
		}
		if !strings.HasPrefix(res.URL, testBase+"?exam=") {
			t.Errorf("URL = %q, want prefix %q", res.URL, testBase+"?exam=")
		}

		got, err := NewDecoder(WithDecompressor(comp)).Decode(res.Code)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		assertSameQuestions(t, got.Questions, exam.Questions)
		if got.Questions[1].Image != exam.Questions[1].Image {
			t.Errorf("image = %q, want verbatim %q", got.Questions[1].Image, exam.Questions[1].Image)
		}
		if got.Questions[0].ID == "" || got.Questions[0].ID == got.Questions[1].ID {
			t.Errorf("ids not regenerated: %q, %q", got.Questions[0].ID, got.Questions[1].ID)
		}
	}
}

func TestGracefulDegradation(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	exam := scenarioExam()
	exam.Questions[0].Image = randomText(r, 6000)
	exam.Questions[0].Explanation = strings.Repeat("Giải thích rất dài. ", 10)
	enc := NewEncoder(testBase)

	t.Run("images allowed to go", func(t *testing.T) {
		res, err := enc.Encode(exam, EncodeOptions{Channel: model.ChannelURL, AllowImageLoss: true})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if res.Level != 1 || !res.ImagesDropped {
			t.Errorf("Level = %d, ImagesDropped = %v, want 1/true", res.Level, res.ImagesDropped)
		}
		if len(res.URL) > enc.Limits().Hard {
			t.Errorf("len(URL) = %d, over hard ceiling", len(res.URL))
		}

		got, err := Decode(res.Code)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for i, q := range got.Questions {
			w := exam.Questions[i]
			if q.Content != w.Content || q.Answer != w.Answer || len(q.Options) != len(w.Options) {
				t.Errorf("q%d text fields changed: %+v", i, q)
			}
			if q.Image != "" {
				t.Errorf("q%d image survived compaction: %d chars", i, len(q.Image))
			}
		}
		if want := string([]rune(exam.Questions[0].Explanation)[:50]) + "..."; got.Questions[0].Explanation != want {
			t.Errorf("explanation = %q, want %q", got.Questions[0].Explanation, want)
		}
	})

	t.Run("default options ask before dropping images", func(t *testing.T) {
		res, err := enc.Encode(exam, EncodeOptions{Channel: model.ChannelURL})
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != KindPayloadTooLarge || !pe.ImagesDropped {
			t.Fatalf("Encode = %+v, %v; want PayloadTooLarge with ImagesDropped", res, err)
		}
		if pe.Limit != enc.Limits().Soft {
			t.Errorf("Limit = %d, want soft ceiling %d", pe.Limit, enc.Limits().Soft)
		}
	})

	t.Run("default options compact text without images", func(t *testing.T) {
		long := scenarioExam()
		for i := range long.Questions {
			long.Questions[i].Image = ""
			long.Questions[i].Explanation = randomText(r, 1500)
		}
		res, err := enc.Encode(long, EncodeOptions{})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if res.Level != 1 || res.ImagesDropped {
			t.Errorf("Level = %d, ImagesDropped = %v, want 1/false", res.Level, res.ImagesDropped)
		}
		if len(res.URL) > enc.Limits().Soft {
			t.Errorf("len(URL) = %d, over soft ceiling %d", len(res.URL), enc.Limits().Soft)
		}
	})

	t.Run("loss not allowed and link too long", func(t *testing.T) {
		big := scenarioExam()
		big.Questions[0].Image = randomText(r, 15000)
		_, err := enc.Encode(big, EncodeOptions{Channel: model.ChannelURL})
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != KindPayloadTooLarge || !pe.ImagesDropped {
			t.Errorf("Encode error = %v, want PayloadTooLarge with ImagesDropped", err)
		}
	})
}

func TestHardCeiling(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	var exam model.Exam
	exam.Subject = "Lịch sử"
	for range 200 {
		exam.Questions = append(exam.Questions, mc(randomText(r, 120), "A", randomText(r, 10), randomText(r, 10)))
	}
	enc := NewEncoder(testBase)

	_, err := enc.Encode(exam, EncodeOptions{Channel: model.ChannelURL, AllowImageLoss: true})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("url Encode error = %v, want ErrPayloadTooLarge", err)
	}
	if KindOf(err) != KindPayloadTooLarge {
		t.Errorf("KindOf = %v, want %v", KindOf(err), KindPayloadTooLarge)
	}

	res, err := enc.Encode(exam, EncodeOptions{Channel: model.ChannelClipboard})
	if err != nil {
		t.Fatalf("clipboard Encode: %v", err)
	}
	if res.URL != "" {
		t.Errorf("clipboard result has URL %q", res.URL)
	}
	got, err := Decode(res.Code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	assertSameQuestions(t, got.Questions, exam.Questions)

	limited := NewEncoder(testBase, WithLimits(Limits{Clipboard: 1000}))
	if _, err := limited.Encode(exam, EncodeOptions{Channel: model.ChannelClipboard}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("limited clipboard Encode error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClipboardNeverCompacts(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	exam := scenarioExam()
	exam.Questions[0].Image = "data:image/png;base64," + randomText(r, 5000)

	res, err := NewEncoder(testBase).Encode(exam, EncodeOptions{Channel: model.ChannelClipboard})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.Level != 0 || res.ImagesDropped {
		t.Errorf("Level = %d, ImagesDropped = %v, want 0/false", res.Level, res.ImagesDropped)
	}
	got, err := Decode(res.Code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	assertSameQuestions(t, got.Questions, exam.Questions)
}

func TestMultiDialectFixtures(t *testing.T) {
	want := []model.ExamQuestion{
		mc("2+2=?", "B. 4", "3", "4", "5"),
		{Kind: model.KindOpenEnded, Content: "Viết một câu về mùa thu.", Answer: "Tự do", Explanation: "Chấm theo ý"},
	}

	legacyObjects := `{"subject":"Toán","grade":"3","questions":[` +
		`{"type":"multiple_choice","question":"2+2=?","options":["3","4","5"],"answer":"B. 4"},` +
		`{"type":"open_ended","content":"Viết một câu về mùa thu.","answer":"Tự do","explanation":"Chấm theo ý","level":"Vận dụng"}]}`
	tuples := `{"s":"Toán","g":"3","q":[[1,"2+2=?",["3","4","5"],"B. 4"],[0,"Viết một câu về mùa thu.",[],"Tự do","Chấm theo ý"]]}`
	packed, err := codec.Gzip{}.Compress([]byte(tuples))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	fixtures := map[string]string{
		"legacy objects": codec.EncodeStd([]byte(legacyObjects)),
		"compact tuples": codec.EncodeURL([]byte(tuples)),
		"compressed":     PrefixCompressed + codec.EncodeURL(packed),
	}
	for name, code := range fixtures {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(code)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Subject != "Toán" || got.Grade != "3" {
				t.Errorf("metadata = %q/%q, want Toán/3", got.Subject, got.Grade)
			}
			assertSameQuestions(t, got.Questions, want)
		})
	}
}

func TestDecodeLegacyVariants(t *testing.T) {
	t.Run("positional object", func(t *testing.T) {
		payload := `{"s":"Sinh","q":[{"0":1,"1":"Tế bào là gì?","2":["A","B"],"3":"A","5":"cell.png"}]}`
		got, err := Decode(codec.EncodeURL([]byte(payload)))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		q := got.Questions[0]
		if q.Kind != model.KindMultipleChoice || q.Content != "Tế bào là gì?" || q.Image != "cell.png" || len(q.Options) != 2 {
			t.Errorf("decoded %+v", q)
		}
	})

	t.Run("named fields win over positional", func(t *testing.T) {
		payload := `{"questions":[{"question":"named","1":"positional","3":"pos answer","answer":"named answer"}]}`
		got, err := Decode(codec.EncodeURL([]byte(payload)))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		q := got.Questions[0]
		if q.Content != "named" || q.Answer != "named answer" {
			t.Errorf("decoded content %q answer %q, want named values", q.Content, q.Answer)
		}
		if q.Kind != model.KindOpenEnded {
			t.Errorf("kind = %q, want open ended for a question without options", q.Kind)
		}
	})

	t.Run("short keys take precedence", func(t *testing.T) {
		payload := `{"s":"short","subject":"long","aid":"a1","assignmentId":"a2","g":12,"q":[[0,"x"]]}`
		got, err := Decode(codec.EncodeURL([]byte(payload)))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Subject != "short" || got.AssignmentID != "a1" || got.Grade != "12" {
			t.Errorf("metadata = %q/%q/%q, want short/12/a1", got.Subject, got.Grade, got.AssignmentID)
		}
	})

	t.Run("percent escaped payload", func(t *testing.T) {
		payload := `%7B%22s%22%3A%22V%C4%83n%22%2C%22q%22%3A%5B%5B0%2C%22C%C3%A2u%201%22%5D%5D%7D`
		got, err := Decode(codec.EncodeStd([]byte(payload)))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Subject != "Văn" || got.Questions[0].Content != "Câu 1" {
			t.Errorf("decoded %q / %q", got.Subject, got.Questions[0].Content)
		}
	})
}

func TestDecodeErrors(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := Decode("%%%not-a-code%%%")
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != KindMalformedPayload {
			t.Fatalf("Decode error = %v, want MalformedPayload", err)
		}
		if pe.LikelyTruncated {
			t.Error("short input flagged as truncated")
		}
	})

	t.Run("long input cut by a messaging app", func(t *testing.T) {
		r := rand.New(rand.NewPCG(5, 6))
		exam := model.Exam{}
		for range 80 {
			exam.Questions = append(exam.Questions, mc(randomText(r, 80), "A", "x", "y"))
		}
		res, err := NewEncoder(testBase).Encode(exam, EncodeOptions{Channel: model.ChannelClipboard})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(res.Code) < 3000 {
			t.Fatalf("fixture code only %d chars", len(res.Code))
		}
		_, err = Decode(res.Code[:2999])
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != KindMalformedPayload || !pe.LikelyTruncated {
			t.Errorf("Decode error = %v, want truncated MalformedPayload", err)
		}
	})

	t.Run("empty question list", func(t *testing.T) {
		for _, payload := range []string{`{"s":"x","q":[]}`, `{"s":"x"}`, `{"q":[[1,"   "],[0,""]]}`} {
			_, err := Decode(codec.EncodeURL([]byte(payload)))
			if !errors.Is(err, ErrEmptyPayload) {
				t.Errorf("Decode(%s) error = %v, want ErrEmptyPayload", payload, err)
			}
			if errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Decode(%s) error also matches ErrMalformedPayload", payload)
			}
		}
	})

	t.Run("json but not an object", func(t *testing.T) {
		if _, err := Decode(codec.EncodeURL([]byte(`[1,2,3]`))); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode error = %v, want ErrMalformedPayload", err)
		}
	})
}
