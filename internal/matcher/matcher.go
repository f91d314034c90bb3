// Package matcher finds candidate sensitive spans in medical record text.
//
// There is one matcher per category. Each is a pure function of the loaded
// dictionaries and the input text; a matcher that finds nothing returns an
// empty slice, never an error. Patterns combine fixed syntax with
// alternations built from the dictionaries, longest terms first, so that a
// compound surname or a longer title always wins over its prefix.
package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"med-deid/internal/dict"
	"med-deid/internal/entity"
)

// ideograph is the character class used for Chinese given names and
// institution names.
const ideograph = `[\x{4e00}-\x{9fa5}]`

// Introducers.
const (
	nameIntroducers     = `姓名|患者|病人|就诊人|家属`
	signatureIntroducer = `医生|医师|签名`
	addressIntroducers  = `住址|地址|居住地`
	timeOfDay           = `(?:[ Tt]?\d{1,2}:\d{1,2}(?::\d{1,2})?)?`
	labelSep            = `[：:]\s*`
)

// idField is one label-anchored identifier pattern. The value is capture
// group 1. Short values keep their label in the span so that replacing the
// raw string everywhere stays anchored to the label.
type idField struct {
	name      string
	re        *regexp.Regexp
	keepLabel bool
}

// Matcher holds the compiled patterns for every category.
// It is immutable after New and safe for concurrent use.
type Matcher struct {
	dicts *dict.Set

	age        *regexp.Regexp
	dateISO    *regexp.Regexp
	dateNative *regexp.Regexp
	name       *regexp.Regexp
	doctor     *regexp.Regexp
	signature  *regexp.Regexp
	inst       *regexp.Regexp // group 1 set when the dictionary branch matched
	instDict   bool
	instNames  []string // dictionary institutions, longest first
	locator    *regexp.Regexp
	location   *regexp.Regexp
	ids        []idField
}

// New compiles the patterns for d.
func New(d *dict.Set) (*Matcher, error) {
	if d == nil || d.Surnames.Len() == 0 || d.Titles.Len() == 0 || d.InstitutionSuffixes.Len() == 0 {
		return nil, fmt.Errorf("matcher: %w", dict.ErrEmptyDictionary)
	}

	surnames := alternation(d.AllSurnames())
	titles := alternation(d.Titles.ByLength())
	suffixes := alternation(d.InstitutionSuffixes.ByLength())
	given := ideograph + `{1,2}`

	inst := ideograph + `{1,10}\s*(?:` + suffixes + `)`
	hasInstDict := d.Institutions.Len() > 0
	if hasInstDict {
		inst = `(` + alternation(d.Institutions.ByLength()) + `)|` + inst
	}

	m := &Matcher{dicts: d, instDict: hasInstDict, instNames: d.Institutions.ByLength()}
	specs := []struct {
		dst  **regexp.Regexp
		expr string
	}{
		{&m.age, `\d{1,3}岁`},
		{&m.dateISO, `\d{4}[\-.]\d{1,2}[\-.]\d{1,2}` + timeOfDay},
		{&m.dateNative, `\d{4}年\d{1,2}月\d{1,2}日` + timeOfDay},
		{&m.name, `(?:` + nameIntroducers + `)[:：\s]*((?:` + surnames + `)` + given + `)`},
		{&m.doctor, `(?:` + surnames + `)\s*` + given + `\s*(?:` + titles + `)`},
		{&m.signature, `(?:` + signatureIntroducer + `)` + labelSep + `((?:` + surnames + `)\s*` + given + `)`},
		{&m.inst, inst},
		{&m.locator, `(?:[一二三四五六七八九十]+|\d+)(?:层|楼|诊室)`},
		{&m.location, `(?:` + addressIntroducers + `)` + labelSep + `([^，,。\n]{10,50})`},
	}
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %.40q: %w", s.expr, err)
		}
		*s.dst = re
	}

	ids := []struct {
		name      string
		expr      string
		keepLabel bool
	}{
		{"meeting", `(?:腾讯)?会议号` + labelSep + `(\d{6,12})`, false},
		{"id_card", `(?:身份证号?|证件号)` + labelSep + `(\d{17}[\dXx]|\d{15})`, false},
		{"phone", `(?:电话|手机号?|联系方式)` + labelSep + `(1[3-9]\d{9}|\d{3,4}-\d{7,8})`, false},
		{"medical_card", `(?:医疗卡|就诊卡)号?` + labelSep + `(\d{8,20})`, false},
		{"insurance", `(?:医保号|社保号)` + labelSep + `(\d{8,20})`, false},
		{"admission", `(?:住院号|入院号)` + labelSep + `(\d{6,15})`, false},
		{"outpatient", `(?:门诊号|挂号)` + labelSep + `(\d{6,15})`, false},
		{"report", `(?:报告号|检查号)` + labelSep + `([A-Z0-9]{8,20})`, false},
		{"specimen", `(?:标本号|病理号)` + labelSep + `([A-Z0-9][A-Z0-9\-]{5,19})`, false},
		{"bed", `床号` + labelSep + `([A-Z0-9]{1,5})`, true},
	}
	for _, s := range ids {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", s.name, err)
		}
		m.ids = append(m.ids, idField{name: s.name, re: re, keepLabel: s.keepLabel})
	}
	return m, nil
}

// Dictionaries returns the dictionaries the matcher was built from.
func (m *Matcher) Dictionaries() *dict.Set { return m.dicts }

// Find returns the spans of one category in text, in order of occurrence.
func (m *Matcher) Find(cat entity.Category, text string) []entity.Span {
	if text == "" {
		return nil
	}
	switch cat {
	case entity.Age:
		return m.findAge(text)
	case entity.Date:
		return m.findDate(text)
	case entity.Name:
		return m.findName(text)
	case entity.Doctor:
		return m.findDoctor(text)
	case entity.Institution:
		return m.findInstitution(text)
	case entity.Location:
		return m.findLocation(text)
	case entity.OtherID:
		return m.findOtherID(text)
	}
	return nil
}

// FindAll runs every category for which enabled returns true, in the order
// of entity.All, and concatenates the results. A nil enabled runs all.
func (m *Matcher) FindAll(text string, enabled func(entity.Category) bool) []entity.Span {
	var out []entity.Span
	for _, cat := range entity.All {
		if enabled != nil && !enabled(cat) {
			continue
		}
		out = append(out, m.Find(cat, text)...)
	}
	return out
}

func (m *Matcher) findAge(text string) []entity.Span {
	var out []entity.Span
	for _, loc := range m.age.FindAllStringIndex(text, -1) {
		if precededByDigit(text, loc[0]) || ageContinues(text, loc[1]) {
			continue
		}
		out = append(out, span(text, loc[0], loc[1], entity.Age, ""))
	}
	return out
}

// ageContinues reports whether the rune after 岁 turns the token into
// something else: an ASCII word (岁abc) or the word 岁月 ("12岁月经初潮").
func ageContinues(text string, end int) bool {
	r, _ := utf8.DecodeRuneInString(text[end:])
	return r == '月' || isASCIIWord(r)
}

func (m *Matcher) findDate(text string) []entity.Span {
	var out []entity.Span
	for _, fam := range []struct {
		re    *regexp.Regexp
		field string
	}{{m.dateISO, "iso"}, {m.dateNative, "native"}} {
		for _, loc := range fam.re.FindAllStringIndex(text, -1) {
			if precededByDigit(text, loc[0]) {
				continue
			}
			out = append(out, span(text, loc[0], loc[1], entity.Date, fam.field))
		}
	}
	entity.SortSpans(out)
	return out
}

func (m *Matcher) findName(text string) []entity.Span {
	var out []entity.Span
	for _, loc := range m.name.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, span(text, loc[2], loc[3], entity.Name, "introducer"))
	}
	return out
}

func (m *Matcher) findDoctor(text string) []entity.Span {
	var out []entity.Span
	for _, loc := range m.doctor.FindAllStringIndex(text, -1) {
		out = append(out, span(text, loc[0], loc[1], entity.Doctor, "title"))
	}
	for _, loc := range m.signature.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, span(text, loc[2], loc[3], entity.Doctor, "signature"))
	}
	entity.SortSpans(out)
	return out
}

// institutionLead holds characters that glue a free-text institution match
// to the preceding token (a date marker or a preposition) and are trimmed
// from its start.
const institutionLead = "年月日号于在至到和及与从去来经"

func (m *Matcher) findInstitution(text string) []entity.Span {
	var out []entity.Span
	for _, loc := range m.inst.FindAllStringSubmatchIndex(text, -1) {
		start, end, field := loc[0], loc[1], "dictionary"
		if !m.instDict || loc[2] < 0 {
			field = "suffix"
			start = trimLead(text, start, end)
			if m.dicts.InstitutionSuffixes.Contains(strings.TrimSpace(text[start:end])) {
				continue // a bare suffix names no institution
			}
			if name := m.knownSuffixOf(text[start:end]); name != "" {
				start, field = end-len(name), "dictionary"
			}
		}
		raw := text[start:end]
		if m.dicts.InstitutionDeny.ContainedIn(raw) {
			continue
		}
		out = append(out, span(text, start, end, entity.Institution, field))
	}
	for _, loc := range m.locator.FindAllStringIndex(text, -1) {
		out = append(out, span(text, loc[0], loc[1], entity.Institution, "locator"))
	}
	entity.SortSpans(out)
	return out
}

// knownSuffixOf returns the longest dictionary institution that ends raw,
// which narrows a free-text match such as 转诊北京协和医院 to the name.
func (m *Matcher) knownSuffixOf(raw string) string {
	for _, name := range m.instNames {
		if strings.HasSuffix(raw, name) {
			return name
		}
	}
	return ""
}

func trimLead(text string, start, end int) int {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !strings.ContainsRune(institutionLead, r) {
			break
		}
		start += size
	}
	return start
}

func (m *Matcher) findLocation(text string) []entity.Span {
	var out []entity.Span
	for _, loc := range m.location.FindAllStringSubmatchIndex(text, -1) {
		start := loc[2]
		end := start + len(strings.TrimRight(text[start:loc[3]], " \t\r　"))
		if utf8.RuneCountInString(text[start:end]) < 10 {
			continue
		}
		out = append(out, span(text, start, end, entity.Location, "address"))
	}
	return out
}

func (m *Matcher) findOtherID(text string) []entity.Span {
	var out []entity.Span
	for _, f := range m.ids {
		for _, loc := range f.re.FindAllStringSubmatchIndex(text, -1) {
			if continuesAlnum(text, loc[3]) {
				continue
			}
			start := loc[2]
			if f.keepLabel {
				start = loc[0]
			}
			out = append(out, span(text, start, loc[3], entity.OtherID, f.name))
		}
	}
	entity.SortSpans(out)
	return out
}

func span(text string, start, end int, cat entity.Category, field string) entity.Span {
	return entity.Span{Start: start, End: end, Category: cat, Text: text[start:end], Field: field}
}

// alternation quotes terms and joins them with '|'. Callers pass terms
// longest first; RE2 alternation is leftmost-first.
func alternation(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	return strings.Join(quoted, "|")
}

func precededByDigit(text string, start int) bool {
	return start > 0 && text[start-1] >= '0' && text[start-1] <= '9'
}

// continuesAlnum reports whether an ASCII letter or digit follows end, which
// means the identifier pattern only matched a prefix of a longer value.
func continuesAlnum(text string, end int) bool {
	if end >= len(text) {
		return false
	}
	c := text[end]
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func isASCIIWord(r rune) bool {
	return r < utf8.RuneSelf && (r == '_' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z')
}
