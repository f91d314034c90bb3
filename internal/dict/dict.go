// Package dict loads the domain dictionaries (surnames, titles, institution
// names, institution suffixes, deny-lists) consumed by the span matchers.
//
// A dictionary source is any line-oriented UTF-8 text: blank lines and lines
// starting with '#' are ignored, one term per remaining line. A leading byte
// order mark is stripped and entries are NFC-normalised so that dictionary
// terms and input text compare byte-for-byte. Dictionaries are immutable once
// loaded and safe to share between goroutines.
package dict

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"med-deid/data"
)

// ErrEmptyDictionary is returned when a required dictionary has no entries.
var ErrEmptyDictionary = errors.New("dictionary is empty")

// List is an ordered, deduplicated sequence of non-empty terms.
type List struct {
	items []string
	set   map[string]struct{}
}

// NewList normalises entries (trim, NFC), drops blanks and duplicates and
// keeps first-seen order.
func NewList(entries []string) *List {
	l := &List{set: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		l.add(e)
	}
	return l
}

func (l *List) add(term string) {
	term = norm.NFC.String(strings.TrimSpace(term))
	if term == "" {
		return
	}
	if _, dup := l.set[term]; dup {
		return
	}
	l.set[term] = struct{}{}
	l.items = append(l.items, term)
}

// Len returns the number of terms.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// Items returns a copy of the terms in load order.
func (l *List) Items() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.items...)
}

// Contains reports whether term is in the list.
func (l *List) Contains(term string) bool {
	if l == nil {
		return false
	}
	_, ok := l.set[term]
	return ok
}

// ContainedIn reports whether any term of l occurs inside s.
func (l *List) ContainedIn(s string) bool {
	if l == nil {
		return false
	}
	for _, t := range l.items {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// ByLength returns the terms sorted longest first (in runes); ties keep load order.
func (l *List) ByLength() []string {
	out := l.Items()
	sort.SliceStable(out, func(i, j int) bool {
		return utf8.RuneCountInString(out[i]) > utf8.RuneCountInString(out[j])
	})
	return out
}

// Merge returns a new list holding the terms of l followed by extra.
func (l *List) Merge(extra []string) *List {
	out := NewList(l.Items())
	for _, e := range extra {
		out.add(e)
	}
	return out
}

// Parse reads one term per line from r.
func Parse(r io.Reader) (*List, error) {
	dec := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	l := &List{set: make(map[string]struct{})}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.add(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadFile reads a dictionary from a file path.
func LoadFile(path string) (*List, error) {
	f, err := os.Open(path) // #nosec G304 -- dictionary path from trusted config
	if err != nil {
		return nil, fmt.Errorf("open dictionary %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	l, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read dictionary %q: %w", path, err)
	}
	return l, nil
}

// Role names a dictionary file inside a dictionary directory.
type Role string

// Dictionary roles and their file names.
const (
	RoleSurnames            Role = "Surnames.txt"
	RoleCompoundSurnames    Role = "CompoundSurnames.txt"
	RoleTitles              Role = "DoctorTitles.txt"
	RoleInstitutions        Role = "Hospitals.txt"
	RoleInstitutionSuffixes Role = "HospitalSuffixes.txt"
	RoleNameDeny            Role = "NameDenyList.txt"
	RoleInstitutionDeny     Role = "InstitutionDenyList.txt"
	RoleCommonWords         Role = "CommonWords.txt"
)

// requiredRoles must exist and be non-empty.
var requiredRoles = []Role{RoleSurnames, RoleTitles, RoleInstitutionSuffixes}

// optionalRoles may be absent; an absent file yields an empty list.
var optionalRoles = []Role{RoleCompoundSurnames, RoleInstitutions, RoleNameDeny, RoleInstitutionDeny, RoleCommonWords}

// Set bundles every dictionary the matchers need.
type Set struct {
	Surnames            *List
	CompoundSurnames    *List // multi-character surnames, matched before single ones
	Titles              *List
	Institutions        *List
	InstitutionSuffixes *List
	NameDeny            *List
	InstitutionDeny     *List
	CommonWords         *List // clinical vocabulary that is never part of a name
}

// Load reads every role from fsys. Missing or empty required dictionaries
// are an error; the engine must not be built without them.
func Load(fsys fs.FS) (*Set, error) {
	lists := make(map[Role]*List, len(requiredRoles)+len(optionalRoles))

	for _, role := range requiredRoles {
		l, err := loadFS(fsys, role)
		if err != nil {
			return nil, err
		}
		if l.Len() == 0 {
			return nil, fmt.Errorf("%s: %w", role, ErrEmptyDictionary)
		}
		lists[role] = l
	}
	for _, role := range optionalRoles {
		l, err := loadFS(fsys, role)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l = NewList(nil)
		case err != nil:
			return nil, err
		}
		lists[role] = l
	}

	s := &Set{
		Surnames:            lists[RoleSurnames],
		CompoundSurnames:    lists[RoleCompoundSurnames],
		Titles:              lists[RoleTitles],
		Institutions:        lists[RoleInstitutions],
		InstitutionSuffixes: lists[RoleInstitutionSuffixes],
		NameDeny:            lists[RoleNameDeny],
		InstitutionDeny:     lists[RoleInstitutionDeny],
		CommonWords:         lists[RoleCommonWords],
	}
	s.normalize()
	return s, nil
}

// LoadDir loads the dictionaries from a directory on disk.
func LoadDir(dir string) (*Set, error) {
	return Load(os.DirFS(dir))
}

// Default loads the embedded dictionaries.
func Default() (*Set, error) {
	return Load(data.Dictionaries())
}

func loadFS(fsys fs.FS, role Role) (*List, error) {
	f, err := fsys.Open(string(role))
	if err != nil {
		return nil, fmt.Errorf("open dictionary %s: %w", role, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	l, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read dictionary %s: %w", role, err)
	}
	return l, nil
}

// normalize folds multi-character entries of the surname list into the
// compound list so both paths agree on compound precedence.
func (s *Set) normalize() {
	var compound []string
	for _, sn := range s.Surnames.Items() {
		if utf8.RuneCountInString(sn) > 1 {
			compound = append(compound, sn)
		}
	}
	if len(compound) > 0 {
		s.CompoundSurnames = s.CompoundSurnames.Merge(compound)
	}
}

// AllSurnames returns compound surnames followed by the single-character
// ones, longest first, ready for building an alternation.
func (s *Set) AllSurnames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sn := range append(s.CompoundSurnames.ByLength(), s.Surnames.ByLength()...) {
		if _, dup := seen[sn]; dup {
			continue
		}
		seen[sn] = struct{}{}
		out = append(out, sn)
	}
	return out
}

// Custom term list keys layered on top of the built-in dictionaries.
const (
	TermInstitutions        = "institutions"
	TermInstitutionSuffixes = "institution_suffixes"
	TermSurnames            = "surnames"
	TermDepartments         = "departments"
	TermCustomSensitive     = "custom_sensitive"
)

// WithTerms returns a copy of s with caller-supplied terms merged into the
// matching roles. Terms for keys without a dictionary role are ignored here;
// the category passes read them directly.
func (s *Set) WithTerms(terms map[string][]string) *Set {
	out := *s
	if v := terms[TermSurnames]; len(v) > 0 {
		out.Surnames = s.Surnames.Merge(v)
	}
	if v := terms[TermInstitutions]; len(v) > 0 {
		out.Institutions = s.Institutions.Merge(v)
	}
	if v := terms[TermInstitutionSuffixes]; len(v) > 0 {
		out.InstitutionSuffixes = s.InstitutionSuffixes.Merge(v)
	}
	out.normalize()
	return &out
}
