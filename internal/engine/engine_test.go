package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-deid/internal/consistency"
	"med-deid/internal/dict"
	"med-deid/internal/entity"
	"med-deid/internal/rewrite"
	"med-deid/internal/transform"
)

type stubBackend struct {
	out   string
	stats entity.Stats
	err   error
	calls int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Redact(context.Context, string) (string, entity.Stats, error) {
	s.calls++
	return s.out, s.stats, s.err
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func redact(t *testing.T, e *Engine, text string) Result {
	t.Helper()
	res, err := e.Redact(context.Background(), text)
	require.NoError(t, err)
	return res
}

func TestRedact_Scenarios(t *testing.T) {
	e := newEngine(t, Options{})

	tests := []struct {
		in, want string
		key      string
	}{
		{"姓名：张三", "姓名：张某", "name"},
		{"姓名：欧阳娜娜", "姓名：欧阳某", "name"},
		{"2025-10-01", "2025-06-23", "date"},
		{"45岁", "40～50岁", "age"},
		{"陈某主治医师", "某某主治医师", "doctor"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := redact(t, e, tt.in)
			assert.Equal(t, tt.want, res.Text)
			assert.Equal(t, 1, res.Stats[tt.key])
			assert.Equal(t, BackendRules, res.Backend)
		})
	}
}

func TestRedact_DateDisabled(t *testing.T) {
	e := newEngine(t, Options{Toggles: entity.Toggles{"date": false}})
	res := redact(t, e, "2025-10-01")
	assert.Equal(t, "2025-10-01", res.Text)
	assert.Zero(t, res.Stats["date"])
}

func TestRedact_CategoryStrategy(t *testing.T) {
	e := newEngine(t, Options{Strategy: "Category"})
	assert.Equal(t, StrategyCategory, e.Strategy())

	res := redact(t, e, "电话13812345678，2025-10-01")
	assert.Equal(t, "电话[PHONE]，2025-06-23", res.Text)
	assert.Equal(t, entity.Stats{"phone": 1, "date": 1}, res.Stats)
}

func TestRedact_CategoryMaskMode(t *testing.T) {
	e := newEngine(t, Options{Strategy: StrategyCategory, Mode: rewrite.ModeMask})
	res := redact(t, e, "电话13812345678")
	assert.Equal(t, "电话138****5678", res.Text)
}

func TestRedact_PreferredBackend(t *testing.T) {
	stub := &stubBackend{out: "done", stats: entity.Stats{"name": 3}}
	e := newEngine(t, Options{Preferred: stub})
	assert.Equal(t, "stub", e.BackendName())

	res := redact(t, e, "姓名：张三")
	assert.Equal(t, Result{Text: "done", Stats: entity.Stats{"name": 3}, Backend: "stub"}, res)
	assert.EqualValues(t, 1, e.Metrics().Snapshot().Backend.Calls)
}

func TestRedact_FallsBackToRules(t *testing.T) {
	stub := &stubBackend{err: errors.New("connection refused")}
	e := newEngine(t, Options{Preferred: stub})

	res := redact(t, e, "姓名：张三")
	assert.Equal(t, "姓名：张某", res.Text)
	assert.Equal(t, BackendRules, res.Backend)
	assert.Equal(t, 1, stub.calls)

	snap := e.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Backend.Fallbacks)
	assert.EqualValues(t, 1, snap.Errors.Backend)
}

func TestRedact_CancelledContext(t *testing.T) {
	e := newEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Redact(ctx, "45岁")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedact_ZeroOptionsShiftDates(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)
	res := redact(t, e, "2025-10-01")
	assert.Equal(t, "2025-06-23", res.Text)
	assert.Equal(t, 1, res.Stats["date"])
}

func TestRedact_ClinicalWordsAreNotNames(t *testing.T) {
	e := newEngine(t, Options{})
	for _, text := range []string{"患者高血压病史十年", "病人高热三天", "患者于今日入院"} {
		t.Run(text, func(t *testing.T) {
			res := redact(t, e, text)
			assert.Equal(t, text, res.Text)
			assert.Empty(t, res.Stats)
		})
	}
	assert.Equal(t, "患者高某，高某病史十年", redact(t, e, "患者高峰，高峰病史十年").Text)
}

func TestRedact_RepeatedInstitutionShortForm(t *testing.T) {
	text := "转诊至北京协和医院，协和医院复查"

	e := newEngine(t, Options{})
	res := redact(t, e, text)
	assert.Equal(t, "转诊至某医院，某医院复查", res.Text)
	assert.Equal(t, 2, res.Stats["institution"])

	c := newEngine(t, Options{
		Strategy: StrategyCategory,
		Toggles:  entity.Toggles{entity.PassInstitutionSuffixes: true},
	})
	res = redact(t, c, "转诊至北京协和医院，绍兴中心医院复查")
	assert.Equal(t, "转诊至[HOSPITAL]，绍兴[FACILITY]复查", res.Text)
	assert.Equal(t, entity.Stats{"institution_dict": 1, "institution_suffixes": 1}, res.Stats)
}

func TestRedact_GseTagger(t *testing.T) {
	if testing.Short() {
		t.Skip("loads the gse dictionary")
	}
	e := newEngine(t, Options{Tagger: "gse"})
	assert.Equal(t, "姓名：欧阳某", redact(t, e, "姓名：欧阳娜娜").Text)
	assert.Equal(t, "患者高血压病史十年", redact(t, e, "患者高血压病史十年").Text)
}

func TestRedact_UntouchedText(t *testing.T) {
	e := newEngine(t, Options{})
	res := redact(t, e, "饮食睡眠可，二便正常。")
	assert.Equal(t, "饮食睡眠可，二便正常。", res.Text)
	assert.Empty(t, res.Stats)
	assert.EqualValues(t, 1, e.Metrics().Snapshot().Redactions.Unchanged)
}

func TestRedactParagraphs_SharesCache(t *testing.T) {
	e := newEngine(t, Options{Transform: transform.Options{NamePolicy: transform.NamePseudonym}})

	res, err := e.RedactParagraphs(context.Background(), []string{"姓名：谢梓莹", "", "家属：谢梓莹"})
	require.NoError(t, err)
	out := res.Paragraphs
	require.Len(t, out, 3)
	assert.Equal(t, out[0][len("姓名："):], out[2][len("家属："):])
	assert.Equal(t, "", out[1])
	assert.Equal(t, 2, res.Stats["name"])
	assert.Equal(t, BackendRules, res.Backend)
	assert.Equal(t, 1, e.Cache().Len())
}

func TestRedactCells(t *testing.T) {
	e := newEngine(t, Options{})
	res, err := e.RedactCells(context.Background(), [][]string{
		{"姓名：张三", " "},
		{"45岁"},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"姓名：张某", " "}, {"40～50岁"}}, res.Cells)
	assert.Equal(t, entity.Stats{"name": 1, "age": 1}, res.Stats)
}

func TestRedactBatch_ReportsFallback(t *testing.T) {
	stub := &stubBackend{out: "done", stats: entity.Stats{}}
	e := newEngine(t, Options{Preferred: stub})

	res, err := e.RedactParagraphs(context.Background(), []string{"45岁", "饮食可"})
	require.NoError(t, err)
	assert.Equal(t, "stub", res.Backend)

	stub.err = errors.New("connection refused")
	res, err = e.RedactCells(context.Background(), [][]string{{"45岁"}})
	require.NoError(t, err)
	assert.Equal(t, BackendRules, res.Backend)
	assert.Equal(t, [][]string{{"40～50岁"}}, res.Cells)
}

func TestEntities(t *testing.T) {
	e := newEngine(t, Options{Strategy: StrategyCategory})
	found := e.Entities("姓名：张三，45岁")
	require.Len(t, found, 2)
	assert.Equal(t, entity.Name, found[0].Category)
	assert.Equal(t, "张某", found[0].Redacted)
	assert.Equal(t, entity.Age, found[1].Category)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Strategy: "neural"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = New(Options{Tagger: "jieba"})
	assert.Error(t, err)

	_, err = New(Options{DictDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load dictionaries")
}

func TestNew_EmptyRequiredDictionary(t *testing.T) {
	dir := t.TempDir()
	for _, role := range []dict.Role{dict.RoleSurnames, dict.RoleTitles, dict.RoleInstitutionSuffixes} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(role)), []byte("医院\n"), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(dict.RoleSurnames)), []byte("# none\n"), 0o600))

	_, err := New(Options{DictDir: dir})
	assert.ErrorIs(t, err, dict.ErrEmptyDictionary)
}

func TestNew_CustomTerms(t *testing.T) {
	e := newEngine(t, Options{
		Strategy: StrategyCategory,
		Terms: map[string][]string{
			dict.TermInstitutions:    {"星河康复医院"},
			dict.TermCustomSensitive: {"星光计划"},
		},
	})
	res := redact(t, e, "星河康复医院星光计划")
	assert.Equal(t, "[HOSPITAL][SENSITIVE]", res.Text)
}

func TestNew_SharedCacheAcrossEngines(t *testing.T) {
	cache := consistency.NewMemory()
	opts := Options{Cache: cache, Transform: transform.Options{NamePolicy: transform.NamePseudonym}}
	a := newEngine(t, opts)
	b := newEngine(t, opts)

	ra := redact(t, a, "姓名：谢梓莹")
	rb := redact(t, b, "姓名：谢梓莹")
	assert.Equal(t, ra.Text, rb.Text)
	assert.Same(t, cache, a.Cache())
}
