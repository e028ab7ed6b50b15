// Package profile loads capability-class profiles: which URL a class opens,
// how sheet labels name it, and which features run long.
package profile

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// Profile describes one capability class.
type Profile struct {
	Class            model.CapabilityClass `yaml:"class"`
	URL              string                `yaml:"url"`
	Aliases          []string              `yaml:"aliases"`
	AnswerLabels     []string              `yaml:"answer_labels"`
	ExtendedFeatures []string              `yaml:"extended_features"`
	// Strategies overrides the extraction fallback order for the class.
	Strategies []string `yaml:"strategies,omitempty"`
}

// MultiSurface names the label that fans one row out to several classes.
type MultiSurface struct {
	Aliases []string                `yaml:"aliases"`
	Classes []model.CapabilityClass `yaml:"classes"`
}

// Set is a loaded collection of profiles.
type Set struct {
	Profiles     []Profile    `yaml:"profiles"`
	MultiSurface MultiSurface `yaml:"multi_surface"`

	byLabel  map[string]int
	byAnswer map[string]int
}

// Fold normalizes a sheet label for comparison: NFKC, canonical width, case
// folded, whitespace removed.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	s = width.Fold.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), "")
}

// Default returns the embedded profile set.
func Default() (*Set, error) {
	return Parse(defaultYAML)
}

// Load reads a profile set from path, or the embedded default when path is
// empty.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML profile set.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "profile: parse yaml")
	}
	if len(s.Profiles) == 0 {
		return nil, eris.New("profile: no profiles defined")
	}
	s.byLabel = make(map[string]int)
	s.byAnswer = make(map[string]int)
	for i, p := range s.Profiles {
		if p.Class == "" || p.URL == "" {
			return nil, eris.Errorf("profile: entry %d needs class and url", i)
		}
		s.byLabel[Fold(string(p.Class))] = i
		for _, a := range p.Aliases {
			s.byLabel[Fold(a)] = i
		}
		for _, a := range p.AnswerLabels {
			s.byAnswer[Fold(a)] = i
		}
	}
	for _, c := range s.MultiSurface.Classes {
		if _, ok := s.Get(c); !ok {
			return nil, eris.Errorf("profile: multi-surface class %q has no profile", c)
		}
	}
	return &s, nil
}

// Get returns the profile of class.
func (s *Set) Get(class model.CapabilityClass) (Profile, bool) {
	for _, p := range s.Profiles {
		if p.Class == class {
			return p, true
		}
	}
	return Profile{}, false
}

// Resolve maps a sheet label (class name or alias) to a profile.
func (s *Set) Resolve(label string) (Profile, bool) {
	i, ok := s.byLabel[Fold(label)]
	if !ok {
		return Profile{}, false
	}
	return s.Profiles[i], true
}

// ResolveAnswer maps an answer-column header to the class it holds. A
// header naming a class or alias also matches.
func (s *Set) ResolveAnswer(label string) (Profile, bool) {
	if i, ok := s.byAnswer[Fold(label)]; ok {
		return s.Profiles[i], true
	}
	return s.Resolve(label)
}

// IsMultiSurface reports whether label selects the multi-surface fan-out.
func (s *Set) IsMultiSurface(label string) bool {
	f := Fold(label)
	if f == "" {
		return false
	}
	for _, a := range s.MultiSurface.Aliases {
		if Fold(a) == f {
			return true
		}
	}
	return false
}

// Extended reports whether feature runs in the class's extended mode.
func (s *Set) Extended(class model.CapabilityClass, feature string) bool {
	if feature == "" {
		return false
	}
	p, ok := s.Get(class)
	if !ok {
		return false
	}
	f := Fold(feature)
	for _, e := range p.ExtendedFeatures {
		if Fold(e) == f {
			return true
		}
	}
	return false
}

// Strategies returns the extraction order for class, or fallback.
func (s *Set) Strategies(class model.CapabilityClass, fallback []string) []string {
	if p, ok := s.Get(class); ok && len(p.Strategies) > 0 {
		return p.Strategies
	}
	return fallback
}

// Classes lists every configured class in declaration order.
func (s *Set) Classes() []model.CapabilityClass {
	out := make([]model.CapabilityClass, len(s.Profiles))
	for i, p := range s.Profiles {
		out[i] = p.Class
	}
	return out
}
