// Package funnel runs the quiz funnel: the per-session state machine, the
// deferred lead save and the background dispatch of store calls.
package funnel

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadfunnel/internal/model"
)

// Step names a funnel screen.
type Step string

// Fixed steps. Question and page steps come from the Flow.
const (
	StepEntry      Step = "entry"
	StepProcessing Step = "processing"
	StepResults    Step = "results"
	StepFinal      Step = "final"
)

// Option is one selectable answer.
type Option struct {
	Value   string `yaml:"value" json:"value"`
	Label   string `yaml:"label" json:"label"`
	Detail  string `yaml:"detail,omitempty" json:"detail,omitempty"`
	Average int64  `yaml:"average,omitempty" json:"-"` // capital ticket used by the projection
}

// Question is a persisted quiz question. Questions are answered in order and
// the last one completes the quiz.
type Question struct {
	ID      string      `yaml:"id" json:"id"`
	Step    Step        `yaml:"step" json:"step"`
	Field   model.Field `yaml:"field" json:"-"`
	Title   string      `yaml:"title" json:"title"`
	Options []Option    `yaml:"options" json:"options"`
}

// Page is an informational step shown after the results. A page with
// options asks a question whose answer is kept in the session only.
type Page struct {
	Step    Step     `yaml:"step" json:"step"`
	Title   string   `yaml:"title" json:"title"`
	Options []Option `yaml:"options,omitempty" json:"options,omitempty"`
}

// Flow is the step table of one funnel variant.
type Flow struct {
	Questions []Question   `yaml:"questions" json:"questions"`
	Pages     []Page       `yaml:"pages" json:"pages"`
	Progress  map[Step]int `yaml:"progress,omitempty" json:"progress,omitempty"`
}

// DefaultFlow returns the built-in capital / horizon / management quiz.
func DefaultFlow() *Flow {
	return &Flow{
		Questions: []Question{
			{
				ID:    "capital",
				Step:  "q1",
				Field: model.FieldCapitalBracket,
				Title: "Qual o capital disponível para operação imobiliária?",
				Options: []Option{
					{Value: "under_100k", Label: "Menos de €100.000", Detail: "Ticket de entrada", Average: 75_000},
					{Value: "100k_300k", Label: "€100.000 – €300.000", Detail: "Capacidade unitária sólida", Average: 200_000},
					{Value: "300k_800k", Label: "€300.000 – €800.000", Detail: "Múltiplas operações paralelas", Average: 500_000},
					{Value: "800k_plus", Label: "Mais de €800.000", Detail: "Escala institucional", Average: 1_000_000},
				},
			},
			{
				ID:    "horizon",
				Step:  "q2",
				Field: model.FieldTimeHorizon,
				Title: "Qual o horizonte temporal pretendido para o retorno?",
				Options: []Option{
					{Value: "short", Label: "Ciclos curtos", Detail: "Até 12 meses"},
					{Value: "medium", Label: "Médio prazo", Detail: "1 a 3 anos"},
					{Value: "long", Label: "Longo prazo", Detail: "3+ anos"},
				},
			},
			{
				ID:    "management",
				Step:  "q3",
				Field: model.FieldManagementPreference,
				Title: "Qual a sua experiência preferencial de gestão?",
				Options: []Option{
					{Value: "passive", Label: "Totalmente delegada", Detail: "Gestão integral da operação por equipa de terreno"},
					{Value: "active", Label: "Acompanhamento direto", Detail: "Envolvimento na tomada de decisão estratégica"},
					{Value: "hybrid", Label: "Monitorização estruturada", Detail: "Reporte técnico frequente com execução externa"},
				},
			},
		},
		Pages: []Page{
			{Step: "anchor", Title: "Ponto de situação operacional"},
			{
				Step:  "trigger",
				Title: "Qual a abordagem que melhor descreve o seu objetivo?",
				Options: []Option{
					{Value: "preservation", Label: "Preservação de capital"},
					{Value: "growth", Label: "Crescimento gradual"},
					{Value: "opportunistic", Label: "Estratégias oportunísticas"},
					{Value: "analysis", Label: "Ainda em fase de análise"},
				},
			},
			{Step: "authority", Title: "Critérios de seleção"},
			{Step: "frictions", Title: "Fatores de insucesso"},
			{Step: "strategy", Title: "Abordagem operacional"},
		},
		Progress: map[Step]int{
			StepEntry: 0, "q1": 10, "q2": 18, "q3": 26, StepProcessing: 35,
			StepResults: 45, "anchor": 55, "trigger": 65, "authority": 75,
			"frictions": 85, "strategy": 95, StepFinal: 100,
		},
	}
}

// LoadFlow reads a flow table from a YAML file with a top-level "funnel" key.
func LoadFlow(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "funnel: read flow %s", path)
	}

	var wrapper struct {
		Funnel Flow `yaml:"funnel"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "funnel: parse flow")
	}

	f := &wrapper.Funnel
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks that steps are unique, every question maps to a quiz
// field and every option list is non-empty without duplicates.
func (f *Flow) Validate() error {
	if len(f.Questions) == 0 {
		return eris.New("funnel: flow needs at least one question")
	}

	seenStep := map[Step]bool{StepEntry: true, StepProcessing: true, StepResults: true, StepFinal: true}
	seenID := map[string]bool{}
	seenField := map[model.Field]bool{}
	addStep := func(s Step) error {
		if s == "" {
			return eris.New("funnel: empty step name")
		}
		if seenStep[s] {
			return eris.Errorf("funnel: duplicate or reserved step %q", s)
		}
		seenStep[s] = true
		return nil
	}

	for _, q := range f.Questions {
		if err := addStep(q.Step); err != nil {
			return err
		}
		if q.ID == "" || seenID[q.ID] {
			return eris.Errorf("funnel: question %q: missing or duplicate id", q.Step)
		}
		seenID[q.ID] = true
		switch q.Field {
		case model.FieldCapitalBracket, model.FieldTimeHorizon, model.FieldManagementPreference:
		default:
			return eris.Errorf("funnel: question %q: field %q is not a quiz field", q.ID, q.Field)
		}
		if seenField[q.Field] {
			return eris.Errorf("funnel: question %q: field %q already used", q.ID, q.Field)
		}
		seenField[q.Field] = true
		if err := checkOptions(q.ID, q.Options, true); err != nil {
			return err
		}
	}

	for _, p := range f.Pages {
		if err := addStep(p.Step); err != nil {
			return err
		}
		if seenID[string(p.Step)] {
			return eris.Errorf("funnel: page %q collides with a question id", p.Step)
		}
		if err := checkOptions(string(p.Step), p.Options, false); err != nil {
			return err
		}
	}

	for s, pct := range f.Progress {
		if !seenStep[s] {
			return eris.Errorf("funnel: progress for unknown step %q", s)
		}
		if pct < 0 || pct > 100 {
			return eris.Errorf("funnel: progress for %q out of range: %d", s, pct)
		}
	}
	return nil
}

func checkOptions(owner string, opts []Option, required bool) error {
	if required && len(opts) == 0 {
		return eris.Errorf("funnel: %q has no options", owner)
	}
	seen := map[string]bool{}
	for _, o := range opts {
		if o.Value == "" || seen[o.Value] {
			return eris.Errorf("funnel: %q: empty or duplicate option %q", owner, o.Value)
		}
		seen[o.Value] = true
	}
	return nil
}

// Steps lists every step in order.
func (f *Flow) Steps() []Step {
	out := make([]Step, 0, len(f.Questions)+len(f.Pages)+4)
	out = append(out, StepEntry)
	for _, q := range f.Questions {
		out = append(out, q.Step)
	}
	out = append(out, StepProcessing, StepResults)
	for _, p := range f.Pages {
		out = append(out, p.Step)
	}
	return append(out, StepFinal)
}

// Index returns the position of s in Steps, or -1.
func (f *Flow) Index(s Step) int {
	return slices.Index(f.Steps(), s)
}

// Next returns the step after s.
func (f *Flow) Next(s Step) (Step, bool) {
	steps := f.Steps()
	i := slices.Index(steps, s)
	if i < 0 || i == len(steps)-1 {
		return "", false
	}
	return steps[i+1], true
}

// Question returns the question with the given id.
func (f *Flow) Question(id string) (*Question, bool) {
	for i := range f.Questions {
		if f.Questions[i].ID == id {
			return &f.Questions[i], true
		}
	}
	return nil, false
}

// QuestionAt returns the question shown at step s.
func (f *Flow) QuestionAt(s Step) (*Question, bool) {
	for i := range f.Questions {
		if f.Questions[i].Step == s {
			return &f.Questions[i], true
		}
	}
	return nil, false
}

// PageAt returns the informational page shown at step s.
func (f *Flow) PageAt(s Step) (*Page, bool) {
	for i := range f.Pages {
		if f.Pages[i].Step == s {
			return &f.Pages[i], true
		}
	}
	return nil, false
}

// LastQuestion is the question whose answer completes the quiz.
func (f *Flow) LastQuestion() *Question {
	return &f.Questions[len(f.Questions)-1]
}

// QuestionFor returns the question that fills a quiz field.
func (f *Flow) QuestionFor(field model.Field) (*Question, bool) {
	for i := range f.Questions {
		if f.Questions[i].Field == field {
			return &f.Questions[i], true
		}
	}
	return nil, false
}

// ProgressOf returns the progress percentage shown at s. Steps without a
// configured value are spread evenly over the flow.
func (f *Flow) ProgressOf(s Step) int {
	if pct, ok := f.Progress[s]; ok {
		return pct
	}
	steps := f.Steps()
	i := slices.Index(steps, s)
	if i <= 0 {
		return 0
	}
	return i * 100 / (len(steps) - 1)
}

// StepNumber returns the visitor-facing "n of t" position of s. Entry and
// processing are not numbered.
func (f *Flow) StepNumber(s Step) (n, t int) {
	numbered := make([]Step, 0, len(f.Questions)+len(f.Pages)+2)
	for _, q := range f.Questions {
		numbered = append(numbered, q.Step)
	}
	numbered = append(numbered, StepResults)
	for _, p := range f.Pages {
		numbered = append(numbered, p.Step)
	}
	numbered = append(numbered, StepFinal)

	i := slices.Index(numbered, s)
	if i < 0 {
		return 0, 0
	}
	return i + 1, len(numbered)
}

// optionValid reports whether value is one of opts.
func optionValid(opts []Option, value string) bool {
	return slices.ContainsFunc(opts, func(o Option) bool { return o.Value == value })
}

// String renders the flow for operators.
func (f *Flow) String() string {
	var b strings.Builder
	for _, s := range f.Steps() {
		fmt.Fprintf(&b, "%3d%%  %s", f.ProgressOf(s), s)
		var opts []Option
		if q, ok := f.QuestionAt(s); ok {
			fmt.Fprintf(&b, "  [%s -> %s]", q.ID, q.Field)
			opts = q.Options
		} else if p, ok := f.PageAt(s); ok {
			opts = p.Options
		}
		for _, o := range opts {
			fmt.Fprintf(&b, "\n        - %s", o.Value)
		}
		b.WriteString("\n")
	}
	return b.String()
}
