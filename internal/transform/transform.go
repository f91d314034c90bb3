// Package transform converts an accepted span into its redacted form.
//
// Each category has its own rule: ages become decade buckets, dates are
// shifted and reformatted, names keep their surname or become stable
// pseudonyms, staff names keep their title, institutions and locations are
// generalised, identifiers become stable digests. Values that need a stable
// pseudonym go through the consistency cache, so repeated occurrences of the
// same raw value resolve to the same output.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/runes"
	xtransform "golang.org/x/text/transform"

	"med-deid/internal/consistency"
	"med-deid/internal/dict"
	"med-deid/internal/entity"
)

// DefaultShiftDays is the date offset applied when none is configured.
const DefaultShiftDays = -100

// Fixed output tokens.
const (
	Placeholder   = "某"   // replaces a given name
	UnknownPerson = "某某"  // name with nothing left after stripping
	UnknownAge    = "未知"  // negative or unparseable age
	UnknownPlace  = "某地"  // location without province or municipality
	UnknownOrg    = "某机构" // institution without a recognised type keyword

	NamePrefix = "NAME_ID_"
	IDPrefix   = "ID_"
)

// NamePolicy selects how NAME spans are rewritten.
type NamePolicy string

// Name policies.
const (
	NameMask      NamePolicy = "mask"      // 张三 → 张某
	NamePseudonym NamePolicy = "pseudonym" // 张三 → NAME_ID_xxxxxxxx
)

// ParseNamePolicy accepts "mask" or "pseudonym"; empty means mask.
func ParseNamePolicy(s string) (NamePolicy, error) {
	switch NamePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NameMask:
		return NameMask, nil
	case NamePseudonym:
		return NamePseudonym, nil
	}
	return "", fmt.Errorf("unknown name policy %q", s)
}

// Options configures a Dispatcher.
type Options struct {
	ShiftDays  int               // calendar offset for dates; DefaultShiftDays when zero
	NamePolicy NamePolicy        // NameMask when empty
	Salt       string            // prepended to values before digesting
	SiteCodes  map[string]string // real institution name → site code
}

// Dispatcher maps an accepted span's category to its anonymizing function.
// It is safe for concurrent use.
type Dispatcher struct {
	opts      Options
	titles    []string // longest first
	compound  []string // longest first
	siteNames []string // keys of opts.SiteCodes, longest first
	cache     *consistency.Cache
}

// New builds a Dispatcher over the given dictionaries. A nil cache gets a
// private in-memory one.
func New(d *dict.Set, cache *consistency.Cache, opts Options) *Dispatcher {
	if cache == nil {
		cache = consistency.NewMemory()
	}
	if opts.NamePolicy == "" {
		opts.NamePolicy = NameMask
	}
	if opts.ShiftDays == 0 {
		opts.ShiftDays = DefaultShiftDays
	}
	siteNames := make([]string, 0, len(opts.SiteCodes))
	for name := range opts.SiteCodes {
		if name != "" {
			siteNames = append(siteNames, name)
		}
	}
	sort.Slice(siteNames, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(siteNames[i]), utf8.RuneCountInString(siteNames[j])
		if li != lj {
			return li > lj
		}
		return siteNames[i] < siteNames[j]
	})
	return &Dispatcher{
		opts:      opts,
		titles:    d.Titles.ByLength(),
		compound:  d.CompoundSurnames.ByLength(),
		siteNames: siteNames,
		cache:     cache,
	}
}

// Cache returns the consistency cache the dispatcher resolves pseudonyms through.
func (d *Dispatcher) Cache() *consistency.Cache { return d.cache }

// Transform returns the redacted form of raw. ok is false when the value
// cannot be transformed (an unparseable date); the span is then left as is.
func (d *Dispatcher) Transform(cat entity.Category, raw string) (string, bool) {
	switch cat {
	case entity.Age:
		return AgeRange(raw), true
	case entity.Date:
		return ShiftDate(raw, d.opts.ShiftDays)
	case entity.Name:
		if d.opts.NamePolicy == NamePseudonym {
			return d.NamePseudonym(raw), true
		}
		return MaskName(raw, d.compound), true
	case entity.Doctor:
		return MaskDoctor(raw, d.titles), true
	case entity.Institution:
		if code, ok := d.siteCode(raw); ok {
			return code, true
		}
		return InstitutionLabel(raw), true
	case entity.Location:
		return GeneralizeLocation(raw), true
	case entity.OtherID:
		label, value := splitLabel(raw)
		return label + d.IDToken(value), true
	}
	return "", false
}

// splitLabel separates a labelled identifier such as "床号:08" into the
// label with its separator and the value. Unlabelled input has no label.
func splitLabel(raw string) (label, value string) {
	i := strings.LastIndexAny(raw, ":：")
	if i < 0 {
		return "", raw
	}
	_, size := utf8.DecodeRuneInString(raw[i:])
	value = strings.TrimLeft(raw[i+size:], " \t")
	return raw[:len(raw)-len(value)], value
}

// NamePseudonym returns the cached NAME_ID_ token for raw.
func (d *Dispatcher) NamePseudonym(raw string) string {
	return d.cache.Resolve(raw, func(v string) string {
		return NamePrefix + Digest(d.opts.Salt, v)
	})
}

// IDToken returns the cached ID_ token for raw.
func (d *Dispatcher) IDToken(raw string) string {
	return d.cache.Resolve(raw, func(v string) string {
		return IDPrefix + Digest(d.opts.Salt, v)
	})
}

// MaskName applies the surname-preserving mask with the dispatcher's
// compound surname list.
func (d *Dispatcher) MaskName(raw string) string {
	return MaskName(raw, d.compound)
}

// MaskDoctor applies the title-preserving mask with the dispatcher's titles.
func (d *Dispatcher) MaskDoctor(raw string) string {
	return MaskDoctor(raw, d.titles)
}

// ShiftDays returns the configured date offset.
func (d *Dispatcher) ShiftDays() int { return d.opts.ShiftDays }

func (d *Dispatcher) siteCode(raw string) (string, bool) {
	for _, name := range d.siteNames {
		if strings.Contains(raw, name) {
			return d.opts.SiteCodes[name], true
		}
	}
	return "", false
}

// Digest returns the first 8 hex characters of sha256(salt+value).
func Digest(salt, value string) string {
	sum := sha256.Sum256([]byte(salt + value))
	return hex.EncodeToString(sum[:])[:8]
}

// --- age ----------------------------------------------------------------

var ageNumRe = regexp.MustCompile(`-?\d+`)

// AgeRange buckets an age such as "45岁" into a decade label such as
// "40～50岁". Negative or unparseable input yields UnknownAge.
func AgeRange(raw string) string {
	m := ageNumRe.FindString(raw)
	if m == "" {
		return UnknownAge
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 {
		return UnknownAge
	}
	switch {
	case n < 10:
		return "0～10岁"
	case n >= 100:
		return "100岁以上"
	}
	lower := n / 10 * 10
	return fmt.Sprintf("%d～%d岁", lower, lower+10)
}

// --- date ---------------------------------------------------------------

var dateRe = regexp.MustCompile(`(\d{4})[年\-./](\d{1,2})[月\-./](\d{1,2})`)

// ShiftDate extracts the year, month and day of raw, moves the date by
// days and formats it as YYYY-MM-DD. Any time-of-day is discarded. ok is
// false when raw holds no valid calendar date.
func ShiftDate(raw string, days int) (string, bool) {
	m := dateRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	dd, _ := strconv.Atoi(m[3])

	t := time.Date(y, time.Month(mo), dd, 0, 0, 0, 0, time.UTC)
	// time.Date normalises 2025-02-30 to March; reject instead.
	if t.Year() != y || int(t.Month()) != mo || t.Day() != dd {
		return "", false
	}
	return t.AddDate(0, 0, days).Format("2006-01-02"), true
}

// --- names --------------------------------------------------------------

func notIdeograph(r rune) bool { return r < 0x4e00 || r > 0x9fa5 }

// StripNonIdeographs removes every rune outside the CJK unified ideograph block.
func StripNonIdeographs(s string) string {
	out, _, err := xtransform.String(runes.Remove(runes.Predicate(notIdeograph)), s)
	if err != nil {
		return ""
	}
	return out
}

// MaskName keeps the leading surname of raw and replaces the rest with
// Placeholder. compound is checked first so a compound surname is never
// split. Input with no ideographs yields UnknownPerson.
func MaskName(raw string, compound []string) string {
	name := StripNonIdeographs(raw)
	if name == "" {
		return UnknownPerson
	}
	for _, cs := range compound {
		if strings.HasPrefix(name, cs) {
			return cs + Placeholder
		}
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(r) + Placeholder
}

// MaskDoctor replaces a staff name with UnknownPerson and keeps the first
// title of titles found in raw. titles must be sorted longest first.
func MaskDoctor(raw string, titles []string) string {
	raw = strings.TrimSpace(raw)
	for _, t := range titles {
		if strings.Contains(raw, t) {
			return UnknownPerson + t
		}
	}
	return UnknownPerson
}

// --- institutions -------------------------------------------------------

var locatorRe = regexp.MustCompile(`^(?:[一二三四五六七八九十]+|\d+)(层|楼|诊室)$`)

// institutionKinds maps an institution-type keyword to its generic label.
var institutionKinds = []struct{ keyword, label string }{
	{"卫生院", "某卫生院"},
	{"保健院", "某保健院"},
	{"研究所", "某研究所"},
	{"医院", "某医院"},
	{"诊所", "某诊所"},
	{"中心", "某中心"},
}

// InstitutionLabel generalises an institution span. Floor, building and
// room locators become XX层, XX楼 and XX诊室. Otherwise the type keyword
// ending furthest right picks the label, so 北京大学血液病研究所 becomes
// 某研究所 and 上海瑞金医院 becomes 某医院.
func InstitutionLabel(raw string) string {
	if m := locatorRe.FindStringSubmatch(strings.TrimSpace(raw)); m != nil {
		return "XX" + m[1]
	}
	best, bestEnd, bestLen := "", -1, 0
	for _, k := range institutionKinds {
		i := strings.LastIndex(raw, k.keyword)
		if i < 0 {
			continue
		}
		end := i + len(k.keyword)
		if end > bestEnd || (end == bestEnd && len(k.keyword) > bestLen) {
			best, bestEnd, bestLen = k.label, end, len(k.keyword)
		}
	}
	if best == "" {
		return UnknownOrg
	}
	return best
}

// --- locations ----------------------------------------------------------

var provinces = []string{
	"黑龙江省", "河北省", "山西省", "辽宁省", "吉林省", "江苏省", "浙江省", "安徽省",
	"福建省", "江西省", "山东省", "河南省", "湖北省", "湖南省", "广东省", "海南省",
	"四川省", "贵州省", "云南省", "陕西省", "甘肃省", "青海省", "台湾省",
}

var autonomousRegions = []string{
	"内蒙古自治区", "广西壮族自治区", "西藏自治区", "宁夏回族自治区", "新疆维吾尔自治区",
}

var municipalities = []string{"北京市", "天津市", "上海市", "重庆市"}

var provinceRe = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]{2,3}省`)

// GeneralizeLocation keeps only the province-level unit of an address:
// 江西省南昌市青山湖区 becomes 江西省某地, 北京市昌平区 becomes 北京市某地.
// Anything else becomes UnknownPlace.
func GeneralizeLocation(raw string) string {
	if p := firstContained(raw, provinces); p != "" {
		return p + UnknownPlace
	}
	if m := provinceRe.FindString(raw); m != "" {
		return m + UnknownPlace
	}
	if r := firstContained(raw, autonomousRegions); r != "" {
		return r + UnknownPlace
	}
	if c := firstContained(raw, municipalities); c != "" {
		return c + UnknownPlace
	}
	return UnknownPlace
}

// firstContained returns the candidate occurring earliest in s.
func firstContained(s string, candidates []string) string {
	best, at := "", -1
	for _, c := range candidates {
		if i := strings.Index(s, c); i >= 0 && (at < 0 || i < at) {
			best, at = c, i
		}
	}
	return best
}
