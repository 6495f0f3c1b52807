package conversation

import (
	"reflect"
	"testing"
)

func kindsOf(m *Message) []InsightKind {
	return SuggestedActions(m)
}

func TestSuggestedActions_Vitals(t *testing.T) {
	m := &Message{Text: "My blood pressure is high"}
	got := kindsOf(m)
	want := []InsightKind{InsightVitals}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSuggestedActions_ImageWithoutTextMatchesNothing(t *testing.T) {
	m := &Message{ImageDataURL: "data:image/png;base64,AAAA"}
	if got := kindsOf(m); len(got) != 0 {
		t.Fatalf("caption-free image must suggest nothing, got %v", got)
	}
}

func TestSuggestedActions_ImagingRequiresAttachment(t *testing.T) {
	withText := &Message{Text: "please review this MRI"}
	if got := kindsOf(withText); len(got) != 0 {
		t.Fatalf("imaging keywords without attachment must suggest nothing, got %v", got)
	}

	withImage := &Message{Text: "please review this MRI", ImageDataURL: "data:image/png;base64,AAAA"}
	got := kindsOf(withImage)
	want := []InsightKind{InsightImaging}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSuggestedActions_MultipleCategories(t *testing.T) {
	m := &Message{
		Text:         "possible tumor, please segment the region",
		ImageDataURL: "data:image/png;base64,AAAA",
	}
	got := kindsOf(m)
	want := []InsightKind{InsightImaging, InsightSegmentation}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSuggestedActions_CaseInsensitive(t *testing.T) {
	m := &Message{Text: "GLUCOSE reading attached, heart RATE stable"}
	got := kindsOf(m)
	if !reflect.DeepEqual(got, []InsightKind{InsightVitals}) {
		t.Fatalf("matching must be case-insensitive, got %v", got)
	}
}

func TestSuggestedActions_SegmentationKeywords(t *testing.T) {
	for _, phrase := range []string{
		"please mark region of interest",
		"highlight lesion here",
		"annotate image for the report",
		"outline damage on the left",
		"visualize area around the mass",
	} {
		m := &Message{Text: phrase, ImageDataURL: "data:image/png;base64,AAAA"}
		if !Suggested(m, InsightSegmentation) {
			t.Errorf("%q should suggest segmentation", phrase)
		}
	}
}

func TestSuggested(t *testing.T) {
	m := &Message{Text: "pulse is 120"}
	if !Suggested(m, InsightVitals) {
		t.Error("expected vitals to be suggested")
	}
	if Suggested(m, InsightImaging) {
		t.Error("imaging must not be suggested without keywords and image")
	}
}

func TestInsightKindValid(t *testing.T) {
	for _, k := range []InsightKind{InsightVitals, InsightImaging, InsightSegmentation} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if InsightKind("sentiment").Valid() {
		t.Error("unknown kind must be invalid")
	}
}
