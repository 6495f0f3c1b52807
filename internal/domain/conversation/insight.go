package conversation

import (
	"regexp"
	"strings"
)

// InsightKind names one of the analysis affordances a message may offer.
type InsightKind string

const (
	InsightVitals       InsightKind = "vitals"
	InsightImaging      InsightKind = "imaging"
	InsightSegmentation InsightKind = "segmentation"
)

// Valid reports whether k is a known insight kind.
func (k InsightKind) Valid() bool {
	switch k {
	case InsightVitals, InsightImaging, InsightSegmentation:
		return true
	}
	return false
}

// Keyword families for the three trigger categories. Imaging and
// segmentation additionally require an image attachment.
var (
	vitalsPattern       = regexp.MustCompile(`vital|bp|blood pressure|sugar|glucose|pulse|heart rate`)
	imagingPattern      = regexp.MustCompile(`mri|brain scan|tumor|brain image|ct scan|neuro image`)
	segmentationPattern = regexp.MustCompile(`segment|mark region|highlight lesion|annotate image|outline damage|visualize area`)
)

// SuggestedActions classifies a message into the analysis actions worth
// offering for it. It is a pure function with no side effects: it never
// calls the analysis service, it only decides which affordances apply.
// A message with no text matches nothing, even when an image is attached.
func SuggestedActions(m *Message) []InsightKind {
	if m == nil || m.Text == "" {
		return nil
	}
	text := strings.ToLower(m.Text)

	var kinds []InsightKind
	if vitalsPattern.MatchString(text) {
		kinds = append(kinds, InsightVitals)
	}
	if m.HasImage() {
		if imagingPattern.MatchString(text) {
			kinds = append(kinds, InsightImaging)
		}
		if segmentationPattern.MatchString(text) {
			kinds = append(kinds, InsightSegmentation)
		}
	}
	return kinds
}

// Suggested reports whether kind is among the suggested actions for m.
func Suggested(m *Message, kind InsightKind) bool {
	for _, k := range SuggestedActions(m) {
		if k == kind {
			return true
		}
	}
	return false
}
