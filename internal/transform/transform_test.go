package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-deid/internal/consistency"
	"med-deid/internal/dict"
	"med-deid/internal/entity"
)

func testDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	d, err := dict.Default()
	require.NoError(t, err)
	return New(d, consistency.NewMemory(), opts)
}

func TestAgeRange(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"45岁", "40～50岁"},
		{"15", "10～20岁"},
		{"3 岁", "0～10岁"},
		{"0岁", "0～10岁"},
		{"10岁", "10～20岁"},
		{"99岁", "90～100岁"},
		{"100岁", "100岁以上"},
		{"105", "100岁以上"},
		{"-28", UnknownAge},
		{"abc", UnknownAge},
		{"", UnknownAge},
		{"99999999999999999999岁", UnknownAge},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, AgeRange(tt.in))
		})
	}
}

func TestAgeRange_DecadeProperty(t *testing.T) {
	for n := 10; n < 100; n++ {
		lower := n / 10 * 10
		want := strings.Join([]string{itoa(lower), "～", itoa(lower + 10), "岁"}, "")
		assert.Equal(t, want, AgeRange(itoa(n)+"岁"), "age %d", n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestShiftDate(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"2025-10-01", "2025-06-23", true},
		{"2025年10月1日", "2025-06-23", true},
		{"2025.10.01", "2025-06-23", true},
		{"2025/10/01", "2025-06-23", true},
		{"2025-10-01 11:20", "2025-06-23", true},
		{"2025-10-01 11:20:34", "2025-06-23", true},
		{"2025-10-01T11:20:34", "2025-06-23", true},
		{"2025-02-01", "2024-10-24", true},
		{"2024-03-01", "2023-11-22", true},
		{"2025-02-30", "", false},
		{"2025-13-01", "", false},
		{"abcxxx", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ShiftDate(tt.in, DefaultShiftDays)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShiftDate_CustomOffset(t *testing.T) {
	got, ok := ShiftDate("2024-01-29 14:45", -30)
	require.True(t, ok)
	assert.Equal(t, "2023-12-30", got)

	got, ok = ShiftDate("2024-01-29", 0)
	require.True(t, ok)
	assert.Equal(t, "2024-01-29", got)
}

func TestNew_ZeroShiftUsesDefault(t *testing.T) {
	d, err := dict.Default()
	require.NoError(t, err)
	assert.Equal(t, DefaultShiftDays, New(d, nil, Options{}).ShiftDays())
	assert.Equal(t, -7, New(d, nil, Options{ShiftDays: -7}).ShiftDays())
}

func TestMaskName(t *testing.T) {
	compound := []string{"欧阳", "司马", "诸葛"}
	tests := []struct {
		in   string
		want string
	}{
		{"张三", "张某"},
		{"欧阳娜娜", "欧阳某"},
		{"欧阳翼", "欧阳某"},
		{"李", "李某"},
		{"John", UnknownPerson},
		{"", UnknownPerson},
		{" 王 五 ", "王某"},
		{"A谢梓莹1", "谢某"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskName(tt.in, compound))
		})
	}
}

func TestMaskName_CompoundNeverSplit(t *testing.T) {
	d := testDispatcher(t, Options{})
	for _, cs := range d.compound {
		got, ok := d.Transform(entity.Name, cs+"娜娜")
		require.True(t, ok)
		assert.Equal(t, cs+Placeholder, got)
	}
}

func TestMaskDoctor(t *testing.T) {
	d := testDispatcher(t, Options{})
	tests := []struct {
		in   string
		want string
	}{
		{"陈某主治医师", "某某主治医师"},
		{"陈佛平主治医师", "某某主治医师"},
		{"李四副主任医师", "某某副主任医师"},
		{"钱七护士长", "某某护士长"},
		{"孙八护师", "某某护师"},
		{"周九技师", "某某技师"},
		{"欧阳翼", UnknownPerson},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := d.Transform(entity.Doctor, tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstitutionLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"上海瑞金医院", "某医院"},
		{"深圳市中心医院", "某医院"},
		{"广州华侨诊所", "某诊所"},
		{"某科研中心", "某中心"},
		{"北京大学血液病研究所", "某研究所"},
		{"江西省妇幼保健院", "某保健院"},
		{"城关镇卫生院", "某卫生院"},
		{"中山大学肿瘤防治中心", "某中心"},
		{"3层", "XX层"},
		{"三楼", "XX楼"},
		{"5诊室", "XX诊室"},
		{"放疗科", UnknownOrg},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, InstitutionLabel(tt.in))
		})
	}
}

func TestInstitution_SiteCodes(t *testing.T) {
	d := testDispatcher(t, Options{SiteCodes: map[string]string{
		"北京协和医院":   "SITE_01",
		"四川大学华西医院": "SITE_02",
	}})

	got, _ := d.Transform(entity.Institution, "北京协和医院")
	assert.Equal(t, "SITE_01", got)

	got, _ = d.Transform(entity.Institution, "绍兴市人民医院")
	assert.Equal(t, "某医院", got, "unmapped institutions keep the generic label")
}

func TestGeneralizeLocation(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"江西省南昌市青山湖区湖坊镇万家118", "江西省某地"},
		{"河南省信阳市", "河南省某地"},
		{"广东省深圳市宝安区", "广东省某地"},
		{"黑龙江省哈尔滨市南岗区", "黑龙江省某地"},
		{"广西壮族自治区南宁市", "广西壮族自治区某地"},
		{"北京市昌平区", "北京市某地"},
		{"重庆市渝中区解放碑", "重庆市某地"},
		{"南昌市青山湖区湖坊镇", UnknownPlace},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, GeneralizeLocation(tt.in))
		})
	}
}

func TestOtherID_StableDigest(t *testing.T) {
	d := testDispatcher(t, Options{})

	a, ok := d.Transform(entity.OtherID, "0000688716")
	require.True(t, ok)
	b, _ := d.Transform(entity.OtherID, "0000688716")
	c, _ := d.Transform(entity.OtherID, "0000669289")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, IDPrefix+Digest("", "0000688716"), a)
	assert.Len(t, a, len(IDPrefix)+8)
}

func TestOtherID_SaltChangesDigest(t *testing.T) {
	plain := testDispatcher(t, Options{})
	salted := testDispatcher(t, Options{Salt: "site-a"})

	p, _ := plain.Transform(entity.OtherID, "13812345678")
	s, _ := salted.Transform(entity.OtherID, "13812345678")
	assert.NotEqual(t, p, s)
}

func TestNamePseudonymPolicy(t *testing.T) {
	d := testDispatcher(t, Options{NamePolicy: NamePseudonym})

	a, _ := d.Transform(entity.Name, "张三")
	b, _ := d.Transform(entity.Name, "张三")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, NamePrefix))

	v, ok := d.Cache().Lookup("张三")
	require.True(t, ok)
	assert.Equal(t, a, v)
}

func TestPseudonymUsesPriorCacheEntries(t *testing.T) {
	d, err := dict.Default()
	require.NoError(t, err)
	cache := consistency.NewMemory()
	cache.Import(map[string]string{"0000688716": "ID_fromrun1"})

	disp := New(d, cache, Options{ShiftDays: DefaultShiftDays})
	got, _ := disp.Transform(entity.OtherID, "0000688716")
	assert.Equal(t, "ID_fromrun1", got)
}

func TestTransform_Scenarios(t *testing.T) {
	d := testDispatcher(t, Options{})
	tests := []struct {
		cat  entity.Category
		in   string
		want string
	}{
		{entity.Name, "张三", "张某"},
		{entity.Name, "欧阳娜娜", "欧阳某"},
		{entity.Date, "2025-10-01", "2025-06-23"},
		{entity.Age, "45岁", "40～50岁"},
		{entity.Doctor, "陈某主治医师", "某某主治医师"},
	}
	for _, tt := range tests {
		t.Run(tt.cat.String()+"/"+tt.in, func(t *testing.T) {
			got, ok := d.Transform(tt.cat, tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransform_UnparseableDateRejected(t *testing.T) {
	d := testDispatcher(t, Options{})
	_, ok := d.Transform(entity.Date, "2025-02-30")
	assert.False(t, ok)
}

func TestParseNamePolicy(t *testing.T) {
	p, err := ParseNamePolicy("")
	require.NoError(t, err)
	assert.Equal(t, NameMask, p)

	p, err = ParseNamePolicy(" Pseudonym ")
	require.NoError(t, err)
	assert.Equal(t, NamePseudonym, p)

	_, err = ParseNamePolicy("hash")
	require.Error(t, err)
}

func TestOtherID_KeepsLabel(t *testing.T) {
	d := testDispatcher(t, Options{})

	got, ok := d.Transform(entity.OtherID, "床号:08")
	require.True(t, ok)
	assert.Equal(t, "床号:"+IDPrefix+Digest("", "08"), got)

	got, _ = d.Transform(entity.OtherID, "床号： 14")
	assert.Equal(t, "床号： "+IDPrefix+Digest("", "14"), got)
}
