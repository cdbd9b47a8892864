package catalog

import (
	"sort"
	"strings"
	"unicode"
)

// vocabulary is the controlled tag set and alias table compiled from a catalog file.
type vocabulary struct {
	conditions       map[string]struct{}
	conditionAliases map[string]string
	conditionImplies map[string][]string

	substances       map[string]struct{}
	substanceAliases map[string]string
	itemAliases      map[string]string

	classMembers  map[string][]string
	memberClasses map[string][]string

	labs       map[string]struct{}
	labAliases map[string]string
}

func newVocabulary() *vocabulary {
	return &vocabulary{
		conditions:       make(map[string]struct{}),
		conditionAliases: make(map[string]string),
		conditionImplies: make(map[string][]string),
		substances:       make(map[string]struct{}),
		substanceAliases: make(map[string]string),
		itemAliases:      make(map[string]string),
		classMembers:     make(map[string][]string),
		memberClasses:    make(map[string][]string),
		labs:             make(map[string]struct{}),
		labAliases:       make(map[string]string),
	}
}

// Canonical lower-cases and trims a free-text tag and joins its words with hyphens,
// so "Active Cancer", "active_cancer" and "active-cancer" compare equal.
func Canonical(raw string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(raw)), func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-'
	})
	return strings.Join(fields, "-")
}

// addMembership records that member belongs to class.
func (v *vocabulary) addMembership(class, member string) {
	for _, m := range v.classMembers[class] {
		if m == member {
			return
		}
	}
	v.classMembers[class] = append(v.classMembers[class], member)
	v.memberClasses[member] = append(v.memberClasses[member], class)
}

// finish sorts membership lists so lookups are deterministic.
func (v *vocabulary) finish() {
	for k := range v.classMembers {
		sort.Strings(v.classMembers[k])
	}
	for k := range v.memberClasses {
		sort.Strings(v.memberClasses[k])
	}
}

// knownSubstanceOrClass reports whether key can appear in the interaction matrix or a medication factor.
func (v *vocabulary) knownSubstanceOrClass(key string, items map[string]bool) bool {
	if items[key] {
		return true
	}
	if _, ok := v.substances[key]; ok {
		return true
	}
	_, ok := v.classMembers[key]
	return ok
}
