package domain

// ClassNames is the label set the leaf model was trained on. Index i of the
// model's score vector belongs to ClassNames[i].
var ClassNames = []string{"Grassy Shoots", "Healthy", "Mites", "Ring Spot", "YLD"}

// Prediction is the reduced outcome of one classification.
type Prediction struct {
	Class      string             `json:"class"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float32 `json:"predictions,omitempty"`
}
