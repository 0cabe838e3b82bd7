package pathsegment

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"ecm/internal/model"
)

// DefaultMaxSize is the default maximum length of a generated segment.
const DefaultMaxSize = 24

var (
	separators = regexp.MustCompile(`[\s/\\'"]+`)
	pointless  = regexp.MustCompile(`^[- .,;?!:/\\'"]*$`)
)

// Service turns titles into document names.
type Service struct {
	maxSize int
	newID   func() string
}

// New returns a generator truncating segments to maxSize runes. A non-positive size means the default.
func New(maxSize int) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{maxSize: maxSize, newID: uuid.NewString}
}

// MaxSize returns the truncation length.
func (s *Service) MaxSize() int {
	return s.maxSize
}

// Generate derives a path segment from s. Separators and quotes collapse into "-", the result is
// truncated, and a random id is returned when nothing meaningful remains.
func (s *Service) Generate(title string) string {
	seg := strings.TrimSpace(title)
	if r := []rune(seg); len(r) > s.maxSize {
		seg = strings.TrimSpace(string(r[:s.maxSize]))
	}
	seg = separators.ReplaceAllString(seg, "-")
	seg = strings.Trim(seg, "-")
	if pointless.MatchString(seg) {
		return s.newID()
	}
	return seg
}

// GenerateFor derives a segment from the document title.
func (s *Service) GenerateFor(doc *model.Document) string {
	return s.Generate(doc.Title())
}
