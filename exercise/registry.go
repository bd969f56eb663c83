package exercise

import (
	"sort"
	"strings"
)

// Category is one of the five fixed top-level practice domains. The set is a
// closed enumeration; ids outside 1..5 are rejected at the boundary.
type Category struct {
	ID          int    `json:"category_id"`
	Key         string `json:"category_key"`
	DisplayName string `json:"display_name"`
}

// Type is one canonical exercise type: the current-generation name for a
// kind of practice activity. Immutable after the registry is built.
type Type struct {
	ID          int    `json:"exercise_type_id"`
	CategoryID  int    `json:"category_id"`
	Key         string `json:"type_name"`
	DisplayName string `json:"display_name"`
}

// Fixed category ids.
const (
	CategoryAdoption       = 1
	CategoryEssay          = 2
	CategoryInterview      = 3
	CategoryFreeWriting    = 4
	CategoryEnglishReading = 5
)

// UnclassifiedKey is the canonical key used when no mapping exists for a raw
// type name. Writes are stored under it rather than dropped.
const UnclassifiedKey = "unclassified"

var categories = []Category{
	{ID: CategoryAdoption, Key: "prefecture_adoption_exam", DisplayName: "県総採用試験"},
	{ID: CategoryEssay, Key: "essay", DisplayName: "小論文"},
	{ID: CategoryInterview, Key: "interview", DisplayName: "面接"},
	{ID: CategoryFreeWriting, Key: "free_writing", DisplayName: "自由記述"},
	{ID: CategoryEnglishReading, Key: "english_reading", DisplayName: "英語読解"},
}

// builtinTypes is the current-generation (third schema) type table. IDs for
// the english reading group (13..15) are pinned to match rows already present
// in migrated databases.
var builtinTypes = []Type{
	{ID: 1, CategoryID: CategoryAdoption, Key: "prefecture_adoption", DisplayName: "県総採用試験"},
	{ID: 2, CategoryID: CategoryAdoption, Key: "keyword_generation_adoption", DisplayName: "キーワード生成（採用試験）"},
	{ID: 3, CategoryID: CategoryAdoption, Key: "paper_search_adoption", DisplayName: "論文検索（採用試験）"},
	{ID: 4, CategoryID: CategoryEssay, Key: "essay_practice", DisplayName: "小論文練習"},
	{ID: 5, CategoryID: CategoryEssay, Key: "keyword_generation_essay", DisplayName: "キーワード生成（小論文）"},
	{ID: 6, CategoryID: CategoryEssay, Key: "paper_search_essay", DisplayName: "論文検索（小論文）"},
	{ID: 7, CategoryID: CategoryInterview, Key: "interview_prep", DisplayName: "面接準備"},
	{ID: 8, CategoryID: CategoryInterview, Key: "keyword_generation_interview", DisplayName: "キーワード生成（面接）"},
	{ID: 9, CategoryID: CategoryInterview, Key: "paper_search_interview", DisplayName: "論文検索（面接）"},
	{ID: 10, CategoryID: CategoryFreeWriting, Key: "free_writing_practice", DisplayName: "自由記述練習"},
	{ID: 11, CategoryID: CategoryFreeWriting, Key: "keyword_generation_free", DisplayName: "キーワード生成（自由記述）"},
	{ID: 12, CategoryID: CategoryFreeWriting, Key: "paper_search_free", DisplayName: "論文検索（自由記述）"},
	{ID: 13, CategoryID: CategoryEnglishReading, Key: "english_reading_practice", DisplayName: "英語読解練習"},
	{ID: 14, CategoryID: CategoryEnglishReading, Key: "keyword_generation_english", DisplayName: "キーワード生成（英語読解）"},
	{ID: 15, CategoryID: CategoryEnglishReading, Key: "paper_search_english", DisplayName: "論文検索（英語読解）"},
	{ID: 16, CategoryID: CategoryFreeWriting, Key: UnclassifiedKey, DisplayName: "未分類"},
}

// builtinAliases maps every historical spelling — first-generation display
// names and second-generation practice_types keys — to its canonical key.
// Aliases serve reads and deletes only; new writes always use canonical keys.
var builtinAliases = map[string]string{
	// First generation: display-name spellings used as type keys.
	"英語読解":       "english_reading_practice",
	"自由記述":       "free_writing_practice",
	"医学知識チェック":   "free_writing_practice",
	"県総採用試験":     "prefecture_adoption",
	"面接準備":       "interview_prep",
	"小論文練習":      "essay_practice",
	"キーワード生成":    "keyword_generation_english",
	"論文検索":       "paper_search_english",
	"キーワード生成・論文検索": "keyword_generation_english",
	"過去問スタイル採点":  "english_reading_practice",

	// Second generation: normalized per-session keys.
	"english_reading":               "english_reading_practice",
	"free_writing":                  "free_writing_practice",
	"essay_writing":                 "essay_practice",
	"english_reading_standard":      "english_reading_practice",
	"english_reading_letter_style":  "english_reading_practice",
	"english_reading_comment_style": "english_reading_practice",
	"letter_translation_opinion":    "english_reading_practice",
	"paper_comment_translation_opinion": "english_reading_practice",
	"keyword_generation_paper":      "keyword_generation_english",
	"keyword_generation_freeform":   "keyword_generation_free",
	"keyword_generation_general":    "keyword_generation_english",
	"paper_search":                  "paper_search_english",
}

// Registry is an immutable lookup table over categories, canonical types and
// historical aliases. Built once at startup and safe for concurrent reads.
type Registry struct {
	byKey   map[string]Type
	aliases map[string]string
}

// NewRegistry builds the registry from the builtin tables.
func NewRegistry() *Registry {
	r := &Registry{
		byKey:   make(map[string]Type, len(builtinTypes)),
		aliases: make(map[string]string, len(builtinAliases)),
	}
	for _, t := range builtinTypes {
		r.byKey[t.Key] = t
	}
	for raw, canonical := range builtinAliases {
		r.aliases[raw] = canonical
	}
	return r
}

// WithRemote returns a new registry that also contains types registered in
// the remote store but absent from the builtin table. The receiver is not
// modified; the registry stays immutable once handed to callers.
func (r *Registry) WithRemote(remote []Type) *Registry {
	merged := &Registry{
		byKey:   make(map[string]Type, len(r.byKey)+len(remote)),
		aliases: make(map[string]string, len(r.aliases)),
	}
	for k, t := range r.byKey {
		merged.byKey[k] = t
	}
	for k, v := range r.aliases {
		merged.aliases[k] = v
	}
	for _, t := range remote {
		if _, exists := merged.byKey[t.Key]; exists {
			continue
		}
		if !ValidCategoryID(t.CategoryID) {
			continue
		}
		merged.byKey[t.Key] = t
	}
	return merged
}

// Canonicalize resolves a raw type name (any schema generation) to its
// canonical type. When no mapping exists it returns the unclassified type
// and false; callers must store under it rather than drop the write.
func (r *Registry) Canonicalize(raw string) (Type, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return r.byKey[UnclassifiedKey], false
	}
	if t, ok := r.byKey[name]; ok {
		return t, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.byKey[canonical], true
	}
	// Historical variant spellings carry a parenthesized discriminator,
	// e.g. "過去問スタイル採点(letter_translation_opinion)". Try the inner
	// token first, then the base name.
	if base, inner, ok := splitVariant(name); ok {
		if t, found := r.lookup(inner); found {
			return t, true
		}
		if t, found := r.lookup(base); found {
			return t, true
		}
	}
	return r.byKey[UnclassifiedKey], false
}

func (r *Registry) lookup(name string) (Type, bool) {
	if t, ok := r.byKey[name]; ok {
		return t, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.byKey[canonical], true
	}
	return Type{}, false
}

// splitVariant splits "base(inner)" into its parts, accepting both ASCII and
// full-width parentheses.
func splitVariant(name string) (base, inner string, ok bool) {
	for _, pair := range [][2]string{{"(", ")"}, {"（", "）"}} {
		open := strings.Index(name, pair[0])
		if open <= 0 {
			continue
		}
		end := strings.LastIndex(name, pair[1])
		if end <= open {
			continue
		}
		base = strings.TrimSpace(name[:open])
		inner = strings.TrimSpace(name[open+len(pair[0]) : end])
		if inner != "" {
			return base, inner, true
		}
	}
	return "", "", false
}

// CategoryIDFor returns the category id owning the canonical key.
func (r *Registry) CategoryIDFor(canonicalKey string) (int, bool) {
	t, ok := r.byKey[canonicalKey]
	if !ok {
		return 0, false
	}
	return t.CategoryID, true
}

// AliasesFor returns every name under which data for the canonical key may
// have been stored: the key itself plus all historical spellings. Sorted for
// deterministic queries.
func (r *Registry) AliasesFor(canonicalKey string) []string {
	if _, ok := r.byKey[canonicalKey]; !ok {
		return nil
	}
	names := []string{canonicalKey}
	for raw, canonical := range r.aliases {
		if canonical == canonicalKey {
			names = append(names, raw)
		}
	}
	sort.Strings(names)
	return names
}

// Types returns all canonical types ordered by id.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.byKey))
	for _, t := range r.byKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unclassified returns the designated default type for unmapped names.
func (r *Registry) Unclassified() Type {
	return r.byKey[UnclassifiedKey]
}

// Categories returns the five fixed categories.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ValidCategoryID reports whether id belongs to the closed 1..5 enumeration.
func ValidCategoryID(id int) bool {
	return id >= CategoryAdoption && id <= CategoryEnglishReading
}
