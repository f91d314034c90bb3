package dict

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-deid/internal/logger"
)

func TestParse_SkipsCommentsBlanksAndDuplicates(t *testing.T) {
	src := "\ufeff# header\n\n张\n 李 \n#王\n张\n欧阳\n"
	l, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"张", "李", "欧阳"}, l.Items())
	assert.True(t, l.Contains("李"))
	assert.False(t, l.Contains("王"))
}

func TestParse_NormalizesToNFC(t *testing.T) {
	// "é" written as e + combining acute accent.
	l, err := Parse(strings.NewReader("e\u0301\n\u00e9\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains("\u00e9"))
}

func TestList_ByLengthLongestFirst(t *testing.T) {
	l := NewList([]string{"护师", "副主任护师", "主任护师", "护士"})
	assert.Equal(t, []string{"副主任护师", "主任护师", "护师", "护士"}, l.ByLength())
	// original order untouched
	assert.Equal(t, "护师", l.Items()[0])
}

func TestList_NilSafe(t *testing.T) {
	var l *List
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Items())
	assert.False(t, l.Contains("x"))
	assert.False(t, l.ContainedIn("x"))
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"Surnames.txt":            {Data: []byte("张\n李\n陈\n欧阳\n")},
		"CompoundSurnames.txt":    {Data: []byte("司马\n")},
		"DoctorTitles.txt":        {Data: []byte("主治医师\n护士长\n")},
		"HospitalSuffixes.txt":    {Data: []byte("医院\n诊所\n")},
		"Hospitals.txt":           {Data: []byte("北京协和医院\n")},
		"NameDenyList.txt":        {Data: []byte("麻醉\n")},
		"InstitutionDenyList.txt": {Data: []byte("当地医院\n")},
		"CommonWords.txt":         {Data: []byte("高血压\n今日\n")},
	}
}

func TestLoad_AllRoles(t *testing.T) {
	s, err := Load(testFS())
	require.NoError(t, err)

	assert.Equal(t, 4, s.Surnames.Len())
	// 欧阳 from the surname list is folded into the compound list.
	assert.True(t, s.CompoundSurnames.Contains("欧阳"))
	assert.True(t, s.CompoundSurnames.Contains("司马"))
	assert.Equal(t, []string{"司马", "欧阳", "张", "李", "陈"}, s.AllSurnames())
	assert.True(t, s.NameDeny.Contains("麻醉"))
	assert.True(t, s.CommonWords.Contains("高血压"))
}

func TestLoad_MissingRequiredFails(t *testing.T) {
	fsys := testFS()
	delete(fsys, "DoctorTitles.txt")
	_, err := Load(fsys)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)
}

func TestLoad_EmptyRequiredFails(t *testing.T) {
	fsys := testFS()
	fsys["Surnames.txt"] = &fstest.MapFile{Data: []byte("# only a comment\n")}
	_, err := Load(fsys)
	require.ErrorIs(t, err, ErrEmptyDictionary)
}

func TestLoad_OptionalRolesMayBeAbsent(t *testing.T) {
	fsys := testFS()
	delete(fsys, "Hospitals.txt")
	delete(fsys, "NameDenyList.txt")
	delete(fsys, "CommonWords.txt")
	s, err := Load(fsys)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Institutions.Len())
	assert.Equal(t, 0, s.NameDeny.Len())
	assert.Equal(t, 0, s.CommonWords.Len())
}

func TestDefault_EmbeddedDictionariesLoad(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	assert.True(t, s.Surnames.Contains("张"))
	assert.True(t, s.CompoundSurnames.Contains("欧阳"))
	assert.True(t, s.Titles.Contains("主治医师"))
	assert.True(t, s.InstitutionSuffixes.Contains("医院"))
	assert.True(t, s.CommonWords.Contains("高热"))
}

func TestWithTerms_LayersCustomTerms(t *testing.T) {
	s, err := Load(testFS())
	require.NoError(t, err)

	out := s.WithTerms(map[string][]string{
		TermSurnames:     {"诸葛", "赵"},
		TermInstitutions: {"某某专科医院"},
		TermDepartments:  {"心内科"},
	})
	assert.True(t, out.Surnames.Contains("赵"))
	assert.True(t, out.CompoundSurnames.Contains("诸葛"))
	assert.True(t, out.Institutions.Contains("某某专科医院"))
	// the source set is untouched
	assert.False(t, s.Surnames.Contains("赵"))
	assert.False(t, s.CompoundSurnames.Contains("诸葛"))
}

func TestLoadFile_MissingPathNamesFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.txt")
}

func writeDir(t *testing.T, dir string, fsys fstest.MapFS) {
	t.Helper()
	for name, f := range fsys {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), f.Data, 0o600))
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeDir(t, dir, testFS())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Set, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, logger.Nop(), func(s *Set) {
			select {
			case reloaded <- s:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Surnames.txt"), []byte("张\n李\n陈\n王\n"), 0o600))

	select {
	case s := <-reloaded:
		assert.True(t, s.Surnames.Contains("王"))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after dictionary change")
	}

	cancel()
	require.NoError(t, <-done)
}
