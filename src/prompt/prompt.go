package prompt

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"exam-ocr-llm/src/config"
)

// Kind decides which pipeline a document goes through.
type Kind int

const (
	KindGeneral Kind = iota
	KindExam
)

func (k Kind) String() string {
	if k == KindExam {
		return "exam"
	}
	return "general"
}

// Analysis asks for a free-form markdown report and explicit table reconstruction.
const Analysis = "请扮演一位阅卷专家，详细分析这张图片的内容。如果是试卷，请识别题目和学生答案，给出评分建议或知识点分析；" +
	"如果是其他内容，请总结核心要点。如果图片中包含表格，请使用 Markdown 表格完整还原表格结构。" +
	"请使用 Markdown 格式输出一份详细的分析报告。"

// Grading asks for strict JSON only. Bounding boxes use a 0-1000 grid so the
// model does not need to know the pixel size of the page.
const Grading = `你是一位阅卷老师。请批改这张试卷图片，只输出一个 JSON 对象，不要输出任何其他文字或 Markdown 标记。
JSON 结构必须严格如下：
{
  "summary": "整体评价（字符串）",
  "items": [
    {
      "question_id": "题号（字符串）",
      "status": "correct 或 incorrect",
      "bbox": [x1, y1, x2, y2],
      "analysis": "该题的分析说明（字符串）"
    }
  ]
}
规则：
1. status 只能是 "correct" 或 "incorrect" 两个值之一。
2. bbox 是该题作答区域的外接矩形，坐标归一化到 0-1000：x 相对图片宽度，y 相对图片高度，(x1, y1) 为左上角，(x2, y2) 为右下角。
3. 按题目在试卷上出现的顺序输出 items。`

const (
	PlainText = "请识别这张图片中的所有文字，直接输出文字内容，不要包含其他解释、markdown 格式或 '识别结果' 等字样。保持原有的换行格式。"
	Table     = "请识别图片中的表格结构，并将其还原为 HTML 表格代码 (<table>...)。请直接输出 HTML 代码，不要包含 ```html 标记或其他解释。"
	Narrative = "请扮演一位阅卷专家，分析这张图片的内容。如果是试卷，请识别题目和学生答案，并给出评分建议或知识点分析；" +
		"如果是其他内容，请总结核心要点。请使用 Markdown 格式输出一份分析报告。"
)

// Rule pins documents matching Pattern to a Kind. A pattern ending in "/"
// matches everything below that directory; otherwise it is a path.Match glob.
type Rule struct {
	Pattern string
	Kind    Kind
}

func (r Rule) Match(relPath string) bool {
	if strings.HasSuffix(r.Pattern, "/") {
		return strings.HasPrefix(relPath, r.Pattern)
	}
	ok, err := path.Match(r.Pattern, relPath)
	return err == nil && ok
}

// Router picks the instruction for a document. An explicit Mode wins, then
// the first matching Rule, then the Marker substring in the relative path.
type Router struct {
	Marker string
	Mode   config.DocumentMode
	Rules  []Rule
}

func NewRouter(cfg config.Config, manifest []config.ManifestRule) Router {
	r := Router{Marker: cfg.ExamMarker, Mode: cfg.DocumentMode}
	for _, m := range manifest {
		kind := KindGeneral
		if m.Mode == config.DocumentExam {
			kind = KindExam
		}
		r.Rules = append(r.Rules, Rule{Pattern: norm.NFC.String(m.Pattern), Kind: kind})
	}
	return r
}

// Classify is applied once per document; every page of it shares the result.
func (r Router) Classify(relPath string) Kind {
	switch r.Mode {
	case config.DocumentExam:
		return KindExam
	case config.DocumentGeneral:
		return KindGeneral
	}

	// macOS hands out decomposed file names
	p := norm.NFC.String(relPath)
	for _, rule := range r.Rules {
		if rule.Match(p) {
			return rule.Kind
		}
	}

	marker := r.Marker
	if marker == "" {
		marker = config.DefaultExamMarker
	}
	if strings.Contains(p, norm.NFC.String(marker)) {
		return KindExam
	}
	return KindGeneral
}

func (r Router) Select(relPath string) (Kind, string) {
	kind := r.Classify(relPath)
	return kind, ForKind(kind)
}

func ForKind(kind Kind) string {
	if kind == KindExam {
		return Grading
	}
	return Analysis
}

// ForRecognition returns the instruction for an interactive capture.
func ForRecognition(mode config.RecognitionMode) string {
	switch mode {
	case config.ModeTable:
		return Table
	case config.ModeAnalysis:
		return Narrative
	default:
		return PlainText
	}
}
