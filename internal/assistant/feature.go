package assistant

import "fmt"

// Feature kinds understood by the generator.
const (
	KindFlashcards = "flashcards"
	KindMindmap    = "mindmap"
	KindQuiz       = "quiz"
)

const placeholderAnswer = "Placeholder answer - AI will generate specific content"

// Feature is the result of an ai_feature_request. The set of implementations
// is closed: Flashcards, Mindmap, Quiz and Unsupported.
type Feature interface {
	isFeature()
}

type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type Flashcards struct {
	Cards []Flashcard `json:"cards"`
}

type Branch struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

type Mindmap struct {
	Central  string   `json:"central"`
	Branches []Branch `json:"branches"`
}

type Question struct {
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	// Correct is an option index, a boolean, or absent for free-form answers.
	Correct any `json:"correct,omitempty"`
}

type Quiz struct {
	Questions []Question `json:"questions"`
}

type Unsupported struct {
	Message string `json:"message"`
}

func (Flashcards) isFeature()  {}
func (Mindmap) isFeature()     {}
func (Quiz) isFeature()        {}
func (Unsupported) isFeature() {}

func GenerateFeature(kind, content string) Feature {
	switch kind {
	case KindFlashcards:
		return Flashcards{Cards: []Flashcard{
			{Front: fmt.Sprintf("What is %s?", content), Back: placeholderAnswer},
			{Front: fmt.Sprintf("Key characteristics of %s?", content), Back: placeholderAnswer},
			{Front: fmt.Sprintf("Applications of %s?", content), Back: placeholderAnswer},
		}}
	case KindMindmap:
		return Mindmap{
			Central: content,
			Branches: []Branch{
				{Name: "Core Concepts", Items: []string{"Concept A", "Concept B", "Concept C"}},
				{Name: "Applications", Items: []string{"Use Case 1", "Use Case 2", "Use Case 3"}},
				{Name: "Related Topics", Items: []string{"Related A", "Related B", "Related C"}},
			},
		}
	case KindQuiz:
		return Quiz{Questions: []Question{
			{
				Question: fmt.Sprintf("What is the main focus of %s?", content),
				Type:     "multiple-choice",
				Options:  []string{"Option A", "Option B", "Option C", "Option D"},
				Correct:  0,
			},
			{
				Question: fmt.Sprintf("%s is a fundamental concept.", content),
				Type:     "true-false",
				Correct:  true,
			},
			{
				Question: fmt.Sprintf("Explain the key principles of %s.", content),
				Type:     "short-answer",
			},
		}}
	default:
		return Unsupported{Message: "Feature not implemented yet"}
	}
}

// Summary describes a feature for log lines.
func Summary(f Feature) string {
	switch f := f.(type) {
	case Flashcards:
		return fmt.Sprintf("%d cards", len(f.Cards))
	case Mindmap:
		return fmt.Sprintf("%d branches", len(f.Branches))
	case Quiz:
		return fmt.Sprintf("%d questions", len(f.Questions))
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}
