package rewrite

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"med-deid/internal/dict"
	"med-deid/internal/entity"
	"med-deid/internal/filter"
	"med-deid/internal/logger"
	"med-deid/internal/transform"
)

// Mode selects how the tag-style passes render a replacement.
type Mode string

const (
	ModeTag  Mode = "tag"  // bracket tags such as [PHONE]
	ModeMask Mode = "mask" // '*' per rune
)

// ParseMode parses a replacement mode; empty means ModeTag.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTag:
		return ModeTag, nil
	case ModeMask:
		return ModeMask, nil
	}
	return "", fmt.Errorf("unknown replacement mode %q", s)
}

// Tags emitted by the category passes in ModeTag.
const (
	TagDate        = "[DATE]"
	TagPhone       = "[PHONE]"
	TagEmail       = "[EMAIL]"
	TagHospital    = "[HOSPITAL]"
	TagFacility    = "[FACILITY]"
	TagDepartment  = "[DEPARTMENT]"
	TagSensitive   = "[SENSITIVE]"
	maskRune       = "*"
	regexp2Timeout = time.Second
)

// PassOptions configures the category-driven strategy.
type PassOptions struct {
	Toggles entity.Toggles
	Mode    Mode
	// LooseIDs also replaces bare 15/18-digit runs, not only labelled ones.
	LooseIDs bool
	// Terms holds the departments and custom_sensitive lists. Institution
	// and surname terms are expected to be merged into the dictionary set.
	Terms map[string][]string
}

type passFunc func(text string) (string, int, error)

// Passes is the category-driven strategy. It is safe for concurrent use.
type Passes struct {
	opts       PassOptions
	dispatcher *transform.Dispatcher
	filter     *filter.Filter
	log        *logger.Logger

	doctorRe     *regexp.Regexp
	compoundRe   *regexp.Regexp
	singles      map[string]struct{}
	contextRes   []*regexp2.Regexp
	institutions []string
	suffixes     []string
	departments  []string
	sensitive    []string

	order []string
	funcs map[string]passFunc
}

var (
	passDateRe = regexp.MustCompile(
		`(?:19|20)\d{2}[-/.年](?:1[0-2]|0[1-9]|[1-9])[-/.月](?:3[01]|[12]\d|0[1-9]|[1-9])日?`)
	passIDLabelRe = regexp.MustCompile(`(?:身份证号码|身份证号|身份证|证件号码|证件号|ID)[:：]\s*(\d{17}[\dXx]|\d{15})`)
	passIDLooseRe = regexp.MustCompile(`\d{17}[\dXx]|\d{15}`)
	passPhoneRe   = regexp.MustCompile(`1[3-9]\d{9}`)
	passEmailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	passAgeRe     = regexp.MustCompile(`(\d+)\s*岁`)
)

// contextPatterns locate single-character-surname names after a label.
// Group 1 is the name.
var contextPatterns = []string{
	`(?:姓名|患者名字|病人)：([一-龥]{1,3})`,
	`(?:主治医生|医生|护士|医师|大夫)：([一-龥]{1,3})`,
	`(?<!从)患者([一-龥]{1,3})(?=，|。|、)`,
	`(?:父亲|母亲|父母|爸爸|妈妈|哥哥|弟弟|姐姐|妹妹|爷爷|奶奶|公公|婆婆|儿子|女儿|孙子|孙女|妻子|丈夫|兄弟|姐妹)：([一-龥]{1,3})`,
	`(?:紧急联系人|联系人)：([一-龥]{1,3})`,
	`(?:推荐|咨询)医生：([一-龥]{1,3})`,
}

// NewPasses compiles the category passes over d. f screens doctor-title
// and surname candidates; a nil filter accepts everything.
func NewPasses(d *dict.Set, disp *transform.Dispatcher, f *filter.Filter, opts PassOptions, log *logger.Logger) (*Passes, error) {
	if d == nil || disp == nil {
		return nil, fmt.Errorf("category passes: %w", dict.ErrEmptyDictionary)
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.Mode == "" {
		opts.Mode = ModeTag
	}
	opts.Toggles = opts.Toggles.Clone()

	p := &Passes{
		opts:         opts,
		dispatcher:   disp,
		filter:       f,
		log:          log,
		singles:      make(map[string]struct{}),
		institutions: d.Institutions.ByLength(),
		suffixes:     d.InstitutionSuffixes.ByLength(),
		departments:  dict.NewList(opts.Terms[dict.TermDepartments]).ByLength(),
		sensitive:    dict.NewList(opts.Terms[dict.TermCustomSensitive]).ByLength(),
	}

	surnames := d.Surnames.ByLength()
	if titles := d.Titles.ByLength(); len(titles) > 0 && len(surnames) > 0 {
		all := d.AllSurnames()
		p.doctorRe = regexp.MustCompile(`(?:` + quoteAll(all) + `)[\x{4e00}-\x{9fa5}]{1,3}?(?:` + quoteAll(titles) + `)`)
	}
	if compound := d.CompoundSurnames.ByLength(); len(compound) > 0 {
		p.compoundRe = regexp.MustCompile(`(?:` + quoteAll(compound) + `)[\x{4e00}-\x{9fa5}]{1,2}`)
	}
	for _, sn := range surnames {
		if utf8.RuneCountInString(sn) == 1 {
			p.singles[sn] = struct{}{}
		}
	}
	for _, expr := range contextPatterns {
		re, err := regexp2.Compile(expr, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("compile context pattern: %w", err)
		}
		re.MatchTimeout = regexp2Timeout
		p.contextRes = append(p.contextRes, re)
	}

	p.funcs = map[string]passFunc{
		entity.PassDate:                p.date,
		entity.PassIDLike:              p.idLike,
		entity.PassPhone:               p.phone,
		entity.PassEmail:               p.email,
		entity.PassAge:                 p.age,
		entity.PassDoctorTitle:         p.doctorTitle,
		entity.PassInstitutionDict:     p.tagTerms(p.institutions, TagHospital),
		entity.PassSurnames:            p.surnames,
		entity.PassInstitutionSuffixes: p.tagTerms(p.suffixes, TagFacility),
		entity.PassDepartments:         p.tagTerms(p.departments, TagDepartment),
		entity.PassCustomSensitive:     p.tagTerms(p.sensitive, TagSensitive),
	}
	for _, key := range entity.PassOrder {
		if opts.Toggles.Enabled(key) {
			p.order = append(p.order, key)
		}
	}
	return p, nil
}

// Enabled returns the keys of the passes that run, in order.
func (p *Passes) Enabled() []string {
	return append([]string(nil), p.order...)
}

// Run implements Strategy. A pass that fails is logged and skipped; the
// remaining passes still run.
func (p *Passes) Run(text string) (string, entity.Stats) {
	stats := entity.Stats{}
	if text == "" {
		return text, stats
	}
	for _, key := range p.order {
		out, n, err := p.runPass(key, p.funcs[key], text)
		if err != nil {
			p.log.Errorf("pass_failed", "%s: %v", key, err)
			continue
		}
		text = out
		stats.Add(key, n)
	}
	return text, stats
}

func (p *Passes) runPass(key string, fn passFunc, text string) (out string, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, n, err = text, 0, fmt.Errorf("panic in %s pass: %v", key, r)
		}
	}()
	return fn(text)
}

// --- regex passes ------------------------------------------------------------

func (p *Passes) date(text string) (string, int, error) {
	out, n := replaceBounded(passDateRe, text, func(m string) string {
		if shifted, ok := transform.ShiftDate(m, p.dispatcher.ShiftDays()); ok {
			return shifted
		}
		return p.render(m, TagDate)
	})
	return out, n, nil
}

func (p *Passes) idLike(text string) (string, int, error) {
	n := 0
	out := replaceGroup(passIDLabelRe, text, func(v string) string {
		n++
		return p.dispatcher.IDToken(v)
	})
	if p.opts.LooseIDs {
		var k int
		out, k = replaceBounded(passIDLooseRe, out, p.dispatcher.IDToken)
		n += k
	}
	return out, n, nil
}

func (p *Passes) phone(text string) (string, int, error) {
	out, n := replaceBounded(passPhoneRe, text, func(m string) string {
		if p.opts.Mode == ModeMask {
			return m[:3] + strings.Repeat(maskRune, len(m)-7) + m[len(m)-4:]
		}
		return TagPhone
	})
	return out, n, nil
}

func (p *Passes) email(text string) (string, int, error) {
	n := 0
	out := passEmailRe.ReplaceAllStringFunc(text, func(m string) string {
		n++
		return p.render(m, TagEmail)
	})
	return out, n, nil
}

func (p *Passes) age(text string) (string, int, error) {
	n := 0
	out := passAgeRe.ReplaceAllStringFunc(text, func(m string) string {
		n++
		return transform.AgeRange(m)
	})
	return out, n, nil
}

func (p *Passes) doctorTitle(text string) (string, int, error) {
	if p.doctorRe == nil {
		return text, 0, nil
	}
	n := 0
	out := p.doctorRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, transform.UnknownPerson) || !p.accept(entity.Doctor, m) {
			return m
		}
		red := p.dispatcher.MaskDoctor(m)
		if red != m {
			n++
		}
		return red
	})
	return out, n, nil
}

func (p *Passes) surnames(text string) (string, int, error) {
	n := 0
	if p.compoundRe != nil {
		text = p.compoundRe.ReplaceAllStringFunc(text, func(m string) string {
			red := p.dispatcher.MaskName(m)
			if strings.HasPrefix(m, red) || !p.accept(entity.Name, m) {
				return m
			}
			n++
			return red
		})
	}
	if len(p.singles) == 0 {
		return text, n, nil
	}
	for _, re := range p.contextRes {
		out, err := re.ReplaceFunc(text, func(m regexp2.Match) string {
			whole := []rune(m.String())
			g := m.GroupByNumber(1)
			name := g.String()
			if utf8.RuneCountInString(name) < 2 {
				return string(whole)
			}
			first, _ := utf8.DecodeRuneInString(name)
			if _, ok := p.singles[string(first)]; !ok {
				return string(whole)
			}
			red := p.dispatcher.MaskName(name)
			if strings.HasPrefix(name, red) {
				return string(whole)
			}
			n++
			off := g.Index - m.Index
			return string(whole[:off]) + red + string(whole[off+g.Length:])
		}, -1, -1)
		if err != nil {
			return text, n, fmt.Errorf("surname context: %w", err)
		}
		text = out
	}
	return text, n, nil
}

func (p *Passes) tagTerms(terms []string, tag string) passFunc {
	return func(text string) (string, int, error) {
		out, n := replaceTerms(text, terms, func(term string) string {
			return p.render(term, tag)
		})
		return out, n, nil
	}
}

// --- helpers ---------------------------------------------------------------

func (p *Passes) accept(cat entity.Category, raw string) bool {
	if p.filter == nil {
		return true
	}
	return p.filter.Accept(cat, raw)
}

// render returns tag in ModeTag and one mask rune per rune of raw in ModeMask.
func (p *Passes) render(raw, tag string) string {
	if p.opts.Mode == ModeMask {
		return strings.Repeat(maskRune, utf8.RuneCountInString(raw))
	}
	return tag
}

// replaceBounded replaces matches of re that are not directly preceded or
// followed by an ASCII digit or letter.
func replaceBounded(re *regexp.Regexp, text string, repl func(string) string) (string, int) {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}
	var b strings.Builder
	last, n := 0, 0
	for _, loc := range locs {
		if !bounded(text, loc[0], loc[1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(repl(text[loc[0]:loc[1]]))
		last = loc[1]
		n++
	}
	b.WriteString(text[last:])
	return b.String(), n
}

// replaceGroup replaces submatch 1 of every match of re, keeping the rest.
func replaceGroup(re *regexp.Regexp, text string, repl func(string) string) string {
	locs := re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		if !bounded(text, loc[2], loc[3]) {
			continue
		}
		b.WriteString(text[last:loc[2]])
		b.WriteString(repl(text[loc[2]:loc[3]]))
		last = loc[3]
	}
	b.WriteString(text[last:])
	return b.String()
}

func bounded(text string, start, end int) bool {
	if start > 0 && isASCIIAlnum(text[start-1]) {
		return false
	}
	if end < len(text) && isASCIIAlnum(text[end]) {
		return false
	}
	return true
}

func isASCIIAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func quoteAll(terms []string) string {
	q := make([]string, len(terms))
	for i, t := range terms {
		q[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(q, "|")
}
