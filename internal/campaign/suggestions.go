package campaign

// Suggestion is one personalized feature pitch in a re-engagement
// email.
type Suggestion struct {
	Title       string
	Description string
}

// knownFeatures maps platform feature tags to their pitch. Order
// matters: suggestions are emitted in this order.
var knownFeatures = []struct {
	tag   string
	pitch Suggestion
}{
	{"api_builder", Suggestion{"API Builder", "Connect any third-party service in minutes, not hours"}},
	{"workflow_designer", Suggestion{"Workflow Designer", "Automate repetitive tasks with visual workflows"}},
	{"database_manager", Suggestion{"Database Manager", "Powerful data tools that scale with you"}},
	{"ui_builder", Suggestion{"UI Builder", "Create beautiful interfaces without coding"}},
}

var advancedSuggestions = []Suggestion{
	{"Advanced Features", "Discover pro-level tools to supercharge your development"},
	{"Custom Integrations", "Build exactly what you need with our flexible platform"},
	{"Analytics Dashboard", "Track your application performance and user engagement"},
}

// SuggestFeatures personalizes re-engagement content from a user's
// feature usage: the features they have not tried yet (up to three),
// the full generic list when they have used none, or advanced pitches
// when they have used everything.
func SuggestFeatures(featuresUsed []string) []Suggestion {
	if len(featuresUsed) == 0 {
		out := make([]Suggestion, 0, len(knownFeatures))
		for _, f := range knownFeatures {
			out = append(out, f.pitch)
		}
		return out
	}

	used := make(map[string]struct{}, len(featuresUsed))
	for _, f := range featuresUsed {
		used[f] = struct{}{}
	}

	var unused []Suggestion
	for _, f := range knownFeatures {
		if _, ok := used[f.tag]; !ok {
			unused = append(unused, f.pitch)
		}
	}
	if len(unused) == 0 {
		return advancedSuggestions
	}
	if len(unused) > 3 {
		unused = unused[:3]
	}
	return unused
}
