package entity

// Keys of the category-driven substitution passes, in execution order.
const (
	PassDate                = "date"
	PassIDLike              = "id_like"
	PassPhone               = "phone"
	PassEmail               = "email"
	PassAge                 = "age"
	PassDoctorTitle         = "doctor_title"
	PassInstitutionDict     = "institution_dict"
	PassSurnames            = "surnames"
	PassInstitutionSuffixes = "institution_suffixes"
	PassDepartments         = "departments"
	PassCustomSensitive     = "custom_sensitive"
)

// PassOrder is the fixed order of the category-driven passes.
var PassOrder = []string{
	PassDate,
	PassIDLike,
	PassPhone,
	PassEmail,
	PassAge,
	PassDoctorTitle,
	PassInstitutionDict,
	PassSurnames,
	PassInstitutionSuffixes,
	PassDepartments,
	PassCustomSensitive,
}

// DefaultToggles is the explicit default for every known toggle key.
// Keys missing from both a caller's map and this table are disabled.
var DefaultToggles = map[string]bool{
	// entity-driven categories
	"age":         true,
	"date":        true,
	"name":        true,
	"doctor":      true,
	"institution": true,
	"location":    true,
	"other_id":    true,

	// category-driven passes (date and age shared with the table above)
	PassIDLike:              true,
	PassPhone:               true,
	PassEmail:               true,
	PassDoctorTitle:         false,
	PassInstitutionDict:     true,
	PassSurnames:            false,
	PassInstitutionSuffixes: false,
	PassDepartments:         false,
	PassCustomSensitive:     true,
}

// Toggles maps a category or pass key to enabled.
type Toggles map[string]bool

// Enabled resolves key against t first, then DefaultToggles.
func (t Toggles) Enabled(key string) bool {
	if v, ok := t[key]; ok {
		return v
	}
	return DefaultToggles[key]
}

// Clone returns a copy of t that is safe to mutate.
func (t Toggles) Clone() Toggles {
	out := make(Toggles, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
