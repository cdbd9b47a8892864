package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

// builder compiles a decoded catalog file, collecting every problem instead of stopping
// at the first so that a reviewer sees the full list in one pass.
type builder struct {
	source   string
	digest   string
	opts     *options
	problems []string

	cat     *Catalog
	items   map[string]bool
	classes map[string]bool
}

func newBuilder(source, digest string, o *options) *builder {
	return &builder{
		source:  source,
		digest:  digest,
		opts:    o,
		items:   make(map[string]bool),
		classes: make(map[string]bool),
	}
}

func (b *builder) addf(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) build(raw *fileCatalog) (*Catalog, error) {
	b.cat = &Catalog{
		version:          strings.TrimSpace(raw.Version),
		description:      strings.TrimSpace(raw.Description),
		source:           b.source,
		digest:           b.digest,
		templates:        make(map[string]*domain.DosingTemplate),
		vocab:            newVocabulary(),
		sexFactors:       make(map[domain.Sex]domain.AdjustmentFactor),
		interactionIndex: make(map[string]map[string][]int),
		injection: InjectionGuide{
			NeedleSize:    raw.Injection.NeedleSize,
			InjectionSite: raw.Injection.InjectionSite,
			Preparation:   raw.Injection.Preparation,
		},
	}
	if b.cat.version == "" {
		b.addf("version is required")
	}

	b.buildItems(raw.Items)
	b.buildVocabulary(&raw.Vocabulary)
	b.buildItemAliases(raw.Items)
	b.buildAgeBands(raw.AgeBands)
	b.buildSexFactors(raw.SexFactors)
	b.buildBMIBands(raw.BMIBands)
	b.cat.conditionFactors = b.buildFactors(domain.FactorCondition, "condition_factors", raw.ConditionFactors)
	b.cat.medicationFactors = b.buildFactors(domain.FactorMedication, "medication_factors", raw.MedicationFactors)
	b.buildContraindications(&raw.Contraindications)
	b.buildInteractions(raw.Interactions)
	b.buildLabRules(raw.LabRules)
	b.buildRiskRules(raw.RiskRules)
	b.cat.vocab.finish()

	if len(b.problems) > 0 {
		return nil, &domain.CatalogError{Source: b.source, Problems: b.problems}
	}
	return b.cat, nil
}

func (b *builder) buildItems(items []fileItem) {
	if len(items) == 0 {
		b.addf("at least one item is required")
	}
	for i, it := range items {
		id := Canonical(it.ID)
		if id == "" {
			b.addf("items[%d]: id is required", i)
			continue
		}
		if b.items[id] {
			b.addf("item %s: duplicate id", id)
			continue
		}
		where := "item " + id

		t := &domain.DosingTemplate{
			ItemID:            id,
			Name:              strings.TrimSpace(it.Name),
			Unit:              strings.TrimSpace(it.Unit),
			Route:             strings.TrimSpace(it.Route),
			Frequency:         strings.TrimSpace(it.Frequency),
			TitrationEligible: it.TitrationEligible || len(it.Titration) > 0,
			PregnancySafe:     it.PregnancySafe,
			Administration: domain.Administration{
				Timing:             it.Administration.Timing,
				FoodInteraction:    it.Administration.FoodInteraction,
				CycleProtocol:      it.Administration.CycleProtocol,
				ConcentrationPerML: it.Administration.ConcentrationPerML,
				InjectionVolumeML:  it.Administration.InjectionVolumeML,
				CapsuleStrength:    it.Administration.CapsuleStrength,
				CapsulesPerDose:    it.Administration.CapsulesPerDose,
			},
		}
		if t.Name == "" {
			t.Name = strings.TrimSpace(it.ID)
		}
		if t.Unit == "" {
			b.addf("%s: unit is required", where)
		}
		if t.Route == "" {
			b.addf("%s: route is required", where)
		}
		if t.Frequency == "" {
			b.addf("%s: frequency is required", where)
		}

		for _, cl := range it.Classes {
			class := Canonical(cl)
			if class == "" {
				continue
			}
			t.Classes = append(t.Classes, class)
			b.classes[class] = true
			b.cat.vocab.addMembership(class, id)
		}

		b.buildDoseBasis(where, t, &it)
		b.buildCeilings(where, t, it.Ceilings)
		b.buildTitration(where, t, it.Titration)

		adm := t.Administration
		if adm.ConcentrationPerML < 0 || adm.InjectionVolumeML < 0 || adm.CapsuleStrength < 0 || adm.CapsulesPerDose < 0 {
			b.addf("%s: administration values must not be negative", where)
		}

		b.items[id] = true
		b.cat.templates[id] = t
		b.cat.itemOrder = append(b.cat.itemOrder, id)
	}
}

func (b *builder) buildDoseBasis(where string, t *domain.DosingTemplate, it *fileItem) {
	flat := it.BaseDose != nil
	perKg := it.BaseDosePerKg != nil

	switch {
	case flat && perKg:
		b.addf("%s: exactly one of base_dose and base_dose_per_kg must be set, got both", where)
		return
	case !flat && !perKg:
		b.addf("%s: exactly one of base_dose and base_dose_per_kg must be set, got neither", where)
		return
	case flat:
		t.BaseDose = *it.BaseDose
		if it.MinDosePerKg != nil || it.MaxDosePerKg != nil {
			b.addf("%s: flat-dose item must use min_dose/max_dose, not per-kg limits", where)
		}
		if it.MinDose == nil || it.MaxDose == nil {
			b.addf("%s: min_dose and max_dose are required", where)
			return
		}
		t.MinDose, t.MaxDose = *it.MinDose, *it.MaxDose
	default:
		t.WeightScaled = true
		t.BaseDose = *it.BaseDosePerKg
		if it.MinDose != nil || it.MaxDose != nil {
			b.addf("%s: weight-scaled item must use min_dose_per_kg/max_dose_per_kg", where)
		}
		if it.MinDosePerKg == nil || it.MaxDosePerKg == nil {
			b.addf("%s: min_dose_per_kg and max_dose_per_kg are required", where)
			return
		}
		t.MinDose, t.MaxDose = *it.MinDosePerKg, *it.MaxDosePerKg
	}

	if !positive(t.BaseDose) {
		b.addf("%s: base dose must be positive, got %v", where, t.BaseDose)
	}
	if !positive(t.MinDose) {
		b.addf("%s: min dose must be positive, got %v", where, t.MinDose)
	}
	if t.MinDose > t.MaxDose {
		b.addf("%s: min dose %v exceeds max dose %v", where, t.MinDose, t.MaxDose)
	}
	if t.BaseDose < t.MinDose || t.BaseDose > t.MaxDose {
		b.addf("%s: base dose %v lies outside [%v, %v]", where, t.BaseDose, t.MinDose, t.MaxDose)
	}
}

func (b *builder) buildCeilings(where string, t *domain.DosingTemplate, ceilings []fileCeiling) {
	for i, c := range ceilings {
		if !positive(c.Amount) {
			b.addf("%s: ceilings[%d] amount must be positive", where, i)
			continue
		}
		if strings.TrimSpace(c.Period) == "" {
			b.addf("%s: ceilings[%d] period is required", where, i)
		}
		// A ceiling below the minimum would make the clamp contradict itself.
		if c.PerKg == t.WeightScaled && c.Amount < t.MinDose {
			b.addf("%s: ceilings[%d] amount %v is below min dose %v", where, i, c.Amount, t.MinDose)
		}
		t.Ceilings = append(t.Ceilings, domain.RegulatoryCeiling{
			Amount: c.Amount,
			PerKg:  c.PerKg,
			Period: strings.TrimSpace(c.Period),
		})
	}
}

func (b *builder) buildTitration(where string, t *domain.DosingTemplate, phases []filePhase) {
	seen := make(map[string]bool)
	for i, p := range phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			b.addf("%s: titration[%d] name is required", where, i)
		} else if seen[name] {
			b.addf("%s: titration phase %q is duplicated", where, name)
		}
		seen[name] = true
		if !positive(p.Dose) {
			b.addf("%s: titration phase %q dose must be positive", where, name)
		}
		if !t.WeightScaled && (p.Dose < t.MinDose || p.Dose > t.MaxDose) {
			b.addf("%s: titration phase %q dose %v lies outside [%v, %v]", where, name, p.Dose, t.MinDose, t.MaxDose)
		}
		freq := strings.TrimSpace(p.Frequency)
		if freq == "" {
			freq = t.Frequency
		}
		t.Titration = append(t.Titration, domain.TitrationPhase{
			Name:      name,
			Duration:  strings.TrimSpace(p.Duration),
			Dose:      p.Dose,
			Frequency: freq,
			Note:      strings.TrimSpace(p.Note),
		})
	}
}

func (b *builder) buildVocabulary(v *fileVocabulary) {
	vocab := b.cat.vocab

	for i, term := range v.Conditions {
		tag := Canonical(term.Tag)
		if tag == "" {
			b.addf("vocabulary.conditions[%d]: tag is required", i)
			continue
		}
		if _, dup := vocab.conditions[tag]; dup {
			b.addf("condition %s: duplicate tag", tag)
			continue
		}
		vocab.conditions[tag] = struct{}{}
	}
	for _, term := range v.Conditions {
		tag := Canonical(term.Tag)
		for _, a := range term.Aliases {
			alias := Canonical(a)
			if alias == "" || alias == tag {
				continue
			}
			if _, isTag := vocab.conditions[alias]; isTag {
				b.addf("condition alias %q collides with a condition tag", alias)
				continue
			}
			if prev, ok := vocab.conditionAliases[alias]; ok && prev != tag {
				b.addf("condition alias %q maps to both %s and %s", alias, prev, tag)
				continue
			}
			vocab.conditionAliases[alias] = tag
		}
		for _, imp := range term.Implies {
			implied := Canonical(imp)
			if _, ok := vocab.conditions[implied]; !ok {
				b.addf("condition %s implies unknown condition %q", tag, imp)
				continue
			}
			if implied == tag {
				continue
			}
			vocab.conditionImplies[tag] = append(vocab.conditionImplies[tag], implied)
		}
	}

	for i, term := range v.Medications {
		id := Canonical(term.ID)
		if id == "" {
			b.addf("vocabulary.medications[%d]: id is required", i)
			continue
		}
		if b.items[id] {
			b.addf("medication %s collides with an item id", id)
			continue
		}
		if _, dup := vocab.substances[id]; dup {
			b.addf("medication %s: duplicate id", id)
			continue
		}
		vocab.substances[id] = struct{}{}
	}
	for _, term := range v.Medications {
		id := Canonical(term.ID)
		for _, a := range term.Aliases {
			alias := Canonical(a)
			if alias == "" || alias == id {
				continue
			}
			if _, isSub := vocab.substances[alias]; isSub || b.items[alias] {
				b.addf("medication alias %q collides with a substance id", alias)
				continue
			}
			if prev, ok := vocab.substanceAliases[alias]; ok && prev != id {
				b.addf("medication alias %q maps to both %s and %s", alias, prev, id)
				continue
			}
			vocab.substanceAliases[alias] = id
		}
	}

	classNames := make([]string, 0, len(v.Classes))
	for name := range v.Classes {
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)
	for _, name := range classNames {
		class := Canonical(name)
		if _, isSub := vocab.substances[class]; isSub || b.items[class] {
			b.addf("class %s collides with a substance id", class)
			continue
		}
		b.classes[class] = true
		for _, m := range v.Classes[name] {
			member := Canonical(m)
			if target, ok := vocab.substanceAliases[member]; ok {
				member = target
			}
			if _, isSub := vocab.substances[member]; !isSub && !b.items[member] {
				b.addf("class %s lists unknown substance %q", class, m)
				continue
			}
			vocab.addMembership(class, member)
		}
	}

	testNames := make([]string, 0, len(v.Labs))
	for name := range v.Labs {
		testNames = append(testNames, name)
	}
	sort.Strings(testNames)
	for _, name := range testNames {
		vocab.labs[Canonical(name)] = struct{}{}
	}
	for _, name := range testNames {
		test := Canonical(name)
		for _, a := range v.Labs[name] {
			alias := Canonical(a)
			if alias == "" || alias == test {
				continue
			}
			if _, isTest := vocab.labs[alias]; isTest {
				b.addf("lab alias %q collides with a lab test", alias)
				continue
			}
			vocab.labAliases[alias] = test
		}
	}
}

func (b *builder) buildItemAliases(items []fileItem) {
	vocab := b.cat.vocab
	for _, it := range items {
		id := Canonical(it.ID)
		if !b.items[id] {
			continue
		}
		aliases := append([]string{it.Name}, it.Aliases...)
		for _, a := range aliases {
			alias := Canonical(a)
			if alias == "" || alias == id {
				continue
			}
			if b.items[alias] {
				b.addf("item alias %q collides with another item id", alias)
				continue
			}
			if _, isSub := vocab.substances[alias]; isSub {
				b.addf("item alias %q collides with a medication id", alias)
				continue
			}
			if prev, ok := vocab.itemAliases[alias]; ok && prev != id {
				b.addf("item alias %q maps to both %s and %s", alias, prev, id)
				continue
			}
			vocab.itemAliases[alias] = id
		}
	}
}

func (b *builder) buildAgeBands(bands []fileAgeBand) {
	for i, band := range bands {
		name := strings.TrimSpace(band.Name)
		where := fmt.Sprintf("age band %q", name)
		if name == "" {
			where = fmt.Sprintf("age_bands[%d]", i)
			b.addf("%s: name is required", where)
		}
		if band.Min < 0 || band.Min > band.Max {
			b.addf("%s: invalid range [%d, %d]", where, band.Min, band.Max)
			continue
		}
		scalar, contra, ok := b.scalar(where, band.Scalar, band.Contraindication)
		if !ok {
			continue
		}
		b.cat.ageBands = append(b.cat.ageBands, domain.AgeBand{
			Name:   name,
			MinAge: band.Min,
			MaxAge: band.Max,
			Factor: domain.AdjustmentFactor{
				Name:             name,
				Kind:             domain.FactorAge,
				Match:            name,
				Scalar:           scalar,
				Note:             band.Note,
				Monitoring:       band.Monitoring,
				Contraindication: contra,
				Reason:           reasonOr(band.Reason, "Contraindicated for age band "+name),
			},
		})
	}

	sorted := append([]domain.AgeBand(nil), b.cat.ageBands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinAge < sorted[j].MinAge })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MinAge <= sorted[i-1].MaxAge {
			b.addf("age bands %q and %q overlap", sorted[i-1].Name, sorted[i].Name)
		}
	}
}

func (b *builder) buildSexFactors(factors []fileSexFactor) {
	for i, f := range factors {
		sex, err := domain.ParseSex(f.Sex)
		if err != nil || sex == domain.SexUnspecified {
			b.addf("sex_factors[%d]: sex must be male or female, got %q", i, f.Sex)
			continue
		}
		if _, dup := b.cat.sexFactors[sex]; dup {
			b.addf("sex factor %s: duplicate", sex)
			continue
		}
		where := "sex factor " + sex.String()
		scalar, contra, ok := b.scalar(where, f.Scalar, false)
		if !ok {
			continue
		}
		b.cat.sexFactors[sex] = domain.AdjustmentFactor{
			Name:             sex.String(),
			Kind:             domain.FactorSex,
			Match:            sex.String(),
			Scalar:           scalar,
			Note:             f.Note,
			Monitoring:       f.Monitoring,
			Contraindication: contra,
			Reason:           "Contraindicated for sex " + sex.String(),
		}
	}
}

func (b *builder) buildBMIBands(bands []fileBMIBand) {
	for i, band := range bands {
		name := strings.TrimSpace(band.Name)
		where := fmt.Sprintf("bmi band %q", name)
		if name == "" {
			where = fmt.Sprintf("bmi_bands[%d]", i)
			b.addf("%s: name is required", where)
		}
		if band.Min < 0 || band.Min >= band.Max {
			b.addf("%s: invalid range [%v, %v)", where, band.Min, band.Max)
			continue
		}
		scalar, contra, ok := b.scalar(where, band.Scalar, false)
		if !ok {
			continue
		}
		b.cat.bmiBands = append(b.cat.bmiBands, domain.BMIBand{
			Name: name,
			Min:  band.Min,
			Max:  band.Max,
			Factor: domain.AdjustmentFactor{
				Name:             name,
				Kind:             domain.FactorBMI,
				Match:            name,
				Scalar:           scalar,
				Note:             band.Note,
				Monitoring:       band.Monitoring,
				Contraindication: contra,
				Reason:           "Contraindicated for BMI band " + name,
			},
		})
	}

	sorted := append([]domain.BMIBand(nil), b.cat.bmiBands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Min < sorted[i-1].Max {
			b.addf("bmi bands %q and %q overlap", sorted[i-1].Name, sorted[i].Name)
		}
	}
}

func (b *builder) buildFactors(kind domain.FactorKind, section string, factors []fileFactor) []domain.AdjustmentFactor {
	var out []domain.AdjustmentFactor
	for i, f := range factors {
		match := Canonical(f.Match)
		where := fmt.Sprintf("%s[%d]", section, i)
		if match == "" {
			b.addf("%s: match is required", where)
			continue
		}
		switch kind {
		case domain.FactorCondition:
			if target, ok := b.cat.vocab.conditionAliases[match]; ok {
				match = target
			}
			if _, ok := b.cat.vocab.conditions[match]; !ok {
				b.addf("%s: unknown condition %q", where, f.Match)
				continue
			}
		case domain.FactorMedication:
			if target, ok := b.cat.vocab.substanceAliases[match]; ok {
				match = target
			}
			if !b.cat.vocab.knownSubstanceOrClass(match, b.items) {
				b.addf("%s: unknown medication or class %q", where, f.Match)
				continue
			}
		}

		scalar, contra, ok := b.scalar(where, f.Scalar, f.Contraindication)
		if !ok {
			continue
		}
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = match
		}
		scope, ok := b.scope(where, f.AppliesTo)
		if !ok {
			continue
		}
		out = append(out, domain.AdjustmentFactor{
			Name:             name,
			Kind:             kind,
			Match:            match,
			Scalar:           scalar,
			Monitoring:       strings.TrimSpace(f.Monitoring),
			Note:             strings.TrimSpace(f.Note),
			Timing:           strings.TrimSpace(f.Timing),
			Contraindication: contra,
			Reason:           reasonOr(f.Reason, "Contraindicated due to "+match),
			AppliesTo:        scope,
		})
	}
	return out
}

// scalar validates a factor multiplier. A zero scalar and an explicit contraindication
// marker are equivalent; both come back as (0, true).
func (b *builder) scalar(where string, value *float64, contraindication bool) (float64, bool, bool) {
	if contraindication {
		if value != nil && *value != 0 {
			b.addf("%s: contraindication factor must not carry a nonzero scalar", where)
			return 0, false, false
		}
		return 0, true, true
	}
	if value == nil {
		b.addf("%s: scalar is required", where)
		return 0, false, false
	}
	v := *value
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		b.addf("%s: scalar must be a non-negative number, got %v", where, v)
		return 0, false, false
	}
	return v, v == 0, true
}

func (b *builder) scope(where string, s fileScope) (domain.Scope, bool) {
	var out domain.Scope
	ok := true
	for _, raw := range s.Items {
		id := Canonical(raw)
		if target, alias := b.cat.vocab.itemAliases[id]; alias {
			id = target
		}
		if !b.items[id] {
			b.addf("%s: scope names unknown item %q", where, raw)
			ok = false
			continue
		}
		out.Items = append(out.Items, id)
	}
	for _, raw := range s.Classes {
		class := Canonical(raw)
		if !b.classes[class] {
			b.addf("%s: scope names unknown class %q", where, raw)
			ok = false
			continue
		}
		out.Classes = append(out.Classes, class)
	}
	return out, ok
}

func (b *builder) buildContraindications(r *fileContraRules) {
	rules := ContraindicationRules{
		GrowthSignalingClass: Canonical(r.GrowthSignalingClass),
		VasoactiveClass:      Canonical(r.VasoactiveClass),
	}
	for _, raw := range r.MalignancyConditions {
		tag := Canonical(raw)
		if !b.cat.knownConditionTag(tag) {
			b.addf("contraindications: unknown malignancy condition %q", raw)
			continue
		}
		rules.MalignancyConditions = append(rules.MalignancyConditions, tag)
	}
	for _, raw := range r.CardiovascularCondition {
		tag := Canonical(raw)
		if !b.cat.knownConditionTag(tag) {
			b.addf("contraindications: unknown cardiovascular condition %q", raw)
			continue
		}
		rules.CardiovascularConditions = append(rules.CardiovascularConditions, tag)
	}
	if len(rules.MalignancyConditions) == 0 || len(rules.CardiovascularConditions) == 0 {
		b.addf("contraindications: malignancy_conditions and cardiovascular_conditions are required")
	}
	if !b.classes[rules.GrowthSignalingClass] {
		b.addf("contraindications: unknown growth-signaling class %q", r.GrowthSignalingClass)
	}
	if !b.classes[rules.VasoactiveClass] {
		b.addf("contraindications: unknown vasoactive class %q", r.VasoactiveClass)
	}
	b.cat.contra = rules
}

func (b *builder) buildInteractions(rules []fileInteraction) {
	vocab := b.cat.vocab
	seen := make(map[[2]string]bool)
	for i, r := range rules {
		owner, with := b.substanceKey(r.Owner), b.substanceKey(r.With)
		where := fmt.Sprintf("interactions[%d] (%s/%s)", i, r.Owner, r.With)

		valid := true
		if !vocab.knownSubstanceOrClass(owner, b.items) {
			b.addf("%s: unknown substance %q", where, r.Owner)
			valid = false
		}
		if !vocab.knownSubstanceOrClass(with, b.items) {
			b.addf("%s: unknown substance %q", where, r.With)
			valid = false
		}
		if owner == with && !b.classes[owner] {
			b.addf("%s: a substance cannot interact with itself", where)
			valid = false
		}
		sev := domain.Severity(strings.ToLower(strings.TrimSpace(r.Severity)))
		if !sev.IsValid() {
			b.addf("%s: invalid severity %q", where, r.Severity)
			valid = false
		}
		if strings.TrimSpace(r.Mechanism) == "" || strings.TrimSpace(r.Management) == "" {
			b.addf("%s: mechanism and management are required", where)
			valid = false
		}
		if seen[[2]string{owner, with}] {
			b.addf("%s: duplicate rule", where)
			valid = false
		}
		if !valid {
			continue
		}
		seen[[2]string{owner, with}] = true

		idx := len(b.cat.interactions)
		b.cat.interactions = append(b.cat.interactions, InteractionRule{
			Index:       idx,
			Owner:       owner,
			With:        with,
			Severity:    sev,
			Description: strings.TrimSpace(r.Description),
			Mechanism:   strings.TrimSpace(r.Mechanism),
			Management:  strings.TrimSpace(r.Management),
		})
		if b.cat.interactionIndex[owner] == nil {
			b.cat.interactionIndex[owner] = make(map[string][]int)
		}
		b.cat.interactionIndex[owner][with] = append(b.cat.interactionIndex[owner][with], idx)
	}
}

func (b *builder) substanceKey(raw string) string {
	key := Canonical(raw)
	if target, ok := b.cat.vocab.itemAliases[key]; ok {
		return target
	}
	if target, ok := b.cat.vocab.substanceAliases[key]; ok {
		return target
	}
	return key
}

func (b *builder) buildLabRules(rules []fileLabRule) {
	seen := make(map[string]bool)
	for i, r := range rules {
		name := strings.TrimSpace(r.Name)
		where := fmt.Sprintf("lab rule %q", name)
		if name == "" {
			where = fmt.Sprintf("lab_rules[%d]", i)
			b.addf("%s: name is required", where)
			continue
		}
		if seen[name] {
			b.addf("%s: duplicate name", where)
			continue
		}
		seen[name] = true

		test := Canonical(r.Test)
		if _, ok := b.cat.vocab.labs[test]; !ok {
			b.addf("%s: unknown lab test %q", where, r.Test)
			continue
		}
		op := LabOp(strings.ToLower(strings.TrimSpace(r.Op)))
		switch op {
		case LabAbove, LabAtLeast, LabBelow, LabAtMost:
		default:
			b.addf("%s: invalid op %q", where, r.Op)
			continue
		}
		if r.Threshold < 0 {
			b.addf("%s: threshold must not be negative", where)
			continue
		}
		if strings.TrimSpace(r.Interpretation) == "" || strings.TrimSpace(r.Action) == "" {
			b.addf("%s: interpretation and action are required", where)
			continue
		}
		scope, ok := b.scope(where, r.Affects)
		if !ok {
			continue
		}
		label := strings.TrimSpace(r.Label)
		if label == "" {
			label = test
		}
		b.cat.labRules = append(b.cat.labRules, LabRule{
			Name:           name,
			Test:           test,
			Label:          label,
			Op:             op,
			Threshold:      r.Threshold,
			Interpretation: strings.TrimSpace(r.Interpretation),
			Action:         strings.TrimSpace(r.Action),
			Critical:       r.Critical,
			Recommendation: strings.TrimSpace(r.Recommendation),
			Affects:        scope,
		})
	}
}

func (b *builder) buildRiskRules(rules []fileRiskRule) {
	seen := make(map[string]bool)
	for i, r := range rules {
		name := strings.TrimSpace(r.Name)
		where := fmt.Sprintf("risk rule %q", name)
		if name == "" {
			b.addf("risk_rules[%d]: name is required", i)
			continue
		}
		// One rule, one category: a duplicated name would let a predicate fire twice.
		if seen[name] {
			b.addf("%s: duplicate name", where)
			continue
		}
		seen[name] = true

		cat := domain.RiskCategory(strings.ToLower(strings.TrimSpace(r.Category)))
		if !cat.IsValid() {
			b.addf("%s: invalid category %q", where, r.Category)
			continue
		}
		if strings.TrimSpace(r.Warning) == "" || strings.TrimSpace(r.Action) == "" {
			b.addf("%s: warning and action are required", where)
			continue
		}
		if b.opts.riskPredicates != nil {
			needs, registered := b.opts.riskPredicates[name]
			if !registered {
				b.addf("%s: no predicate is registered under this name", where)
				continue
			}
			b.checkPredicateNeeds(where, needs)
		}
		scope, ok := b.scope(where, r.Affects)
		if !ok {
			continue
		}
		b.cat.riskRules = append(b.cat.riskRules, RiskRule{
			Name:       name,
			Category:   cat,
			Warning:    strings.TrimSpace(r.Warning),
			Action:     strings.TrimSpace(r.Action),
			Monitoring: strings.TrimSpace(r.Monitoring),
			Affects:    scope,
		})
	}
}

// checkPredicateNeeds reports vocabulary a predicate reads but the catalog does not define;
// such a flag could never fire.
func (b *builder) checkPredicateNeeds(where string, needs PredicateNeeds) {
	for _, tag := range needs.Conditions {
		if !b.cat.knownConditionTag(Canonical(tag)) {
			b.addf("%s: predicate reads unknown condition %q", where, tag)
		}
	}
	for _, raw := range needs.Medications {
		med := Canonical(raw)
		if _, isSub := b.cat.vocab.substances[med]; !isSub && !b.classes[med] {
			b.addf("%s: predicate reads unknown medication or class %q", where, raw)
		}
	}
	if len(needs.LabRules) == 0 {
		return
	}
	labRules := make(map[string]bool, len(b.cat.labRules))
	for _, r := range b.cat.labRules {
		labRules[r.Name] = true
	}
	for _, name := range needs.LabRules {
		if !labRules[name] {
			b.addf("%s: predicate reads unknown lab rule %q", where, name)
		}
	}
}

func (c *Catalog) knownConditionTag(tag string) bool {
	_, ok := c.vocab.conditions[tag]
	return ok
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}
