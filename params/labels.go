package params

// Emotion label set, index order fixed by the dataset convention.
var Labels = []string{"others", "happy", "sad", "angry"}

// NumLabels is the classifier output width.
const NumLabels = 4

// LabelOthers is the majority class excluded from the micro average.
const LabelOthers = 0

var labelIndex = map[string]int{
	"others": 0,
	"happy":  1,
	"sad":    2,
	"angry":  3,
}

// LabelIndex maps a label name to its class index.
func LabelIndex(name string) (int, bool) {
	i, ok := labelIndex[name]
	return i, ok
}

// LabelName maps a class index back to its name.
func LabelName(i int) string {
	if i < 0 || i >= len(Labels) {
		return "unknown"
	}
	return Labels[i]
}
