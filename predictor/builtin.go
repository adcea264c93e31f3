package predictor

// Prediction type names served by the built-in predictors.
const (
	SentimentAnalysis  = "sentiment_analysis"
	NewsClassification = "news_classification"
)

// NewSentimentV1 is the first-generation sentiment classifier: a small
// polarity lexicon, priced at 0.001 per character.
func NewSentimentV1() Capability {
	return &lexiconCapability{
		predictionType: SentimentAnalysis,
		version:        1,
		source: lexiconModel{
			DefaultLabel: "neutral",
			PricePerChar: 0.001,
			Labels: map[string]map[string]float64{
				"positive": {
					"good": 1, "great": 1.5, "excellent": 2, "happy": 1,
					"love": 1.5, "win": 1, "success": 1.5, "growth": 1,
					"strong": 1, "record": 1, "best": 1.5, "improve": 1,
				},
				"negative": {
					"bad": 1, "terrible": 2, "awful": 2, "sad": 1,
					"hate": 1.5, "lose": 1, "crisis": 1.5, "decline": 1,
					"weak": 1, "worst": 2, "fail": 1.5, "drop": 1,
				},
				"neutral": {
					"report": 0.5, "announce": 0.5, "state": 0.5, "say": 0.5,
				},
			},
		},
	}
}

// NewSentimentV2 extends v1 with negation handling and a broader lexicon.
// Heavier model, priced at 0.002 per character.
func NewSentimentV2() Capability {
	return &lexiconCapability{
		predictionType: SentimentAnalysis,
		version:        2,
		source: lexiconModel{
			DefaultLabel: "neutral",
			PricePerChar: 0.002,
			Negations:    []string{"not", "no", "never", "without", "hardly"},
			Labels: map[string]map[string]float64{
				"positive": {
					"good": 1, "great": 1.5, "excellent": 2, "happy": 1,
					"love": 1.5, "win": 1, "success": 1.5, "growth": 1,
					"strong": 1, "record": 1, "best": 1.5, "improve": 1,
					"surge": 1.5, "boom": 1.5, "breakthrough": 2, "profit": 1,
					"optimistic": 1.5, "rally": 1,
				},
				"negative": {
					"bad": 1, "terrible": 2, "awful": 2, "sad": 1,
					"hate": 1.5, "lose": 1, "crisis": 1.5, "decline": 1,
					"weak": 1, "worst": 2, "fail": 1.5, "drop": 1,
					"crash": 2, "scandal": 1.5, "layoff": 1.5, "loss": 1,
					"pessimistic": 1.5, "slump": 1.5,
				},
				"neutral": {
					"report": 0.5, "announce": 0.5, "state": 0.5, "say": 0.5,
					"meeting": 0.5, "plan": 0.5,
				},
			},
		},
	}
}

// NewNewsClassifierV1 categorises articles into coarse news sections,
// priced at 0.0015 per character.
func NewNewsClassifierV1() Capability {
	return &lexiconCapability{
		predictionType: NewsClassification,
		version:        1,
		source: lexiconModel{
			DefaultLabel: "general",
			PricePerChar: 0.0015,
			Labels: map[string]map[string]float64{
				"sports": {
					"match": 1, "game": 1, "team": 1, "player": 1,
					"season": 1, "league": 1.5, "championship": 2, "goal": 1,
				},
				"politics": {
					"election": 2, "government": 1.5, "parliament": 1.5,
					"minister": 1, "policy": 1, "vote": 1.5, "senate": 1.5,
				},
				"technology": {
					"software": 1.5, "startup": 1.5, "computer": 1,
					"internet": 1, "device": 1, "app": 1, "chip": 1.5,
				},
				"business": {
					"market": 1, "stock": 1.5, "revenue": 1.5, "company": 1,
					"investor": 1.5, "earnings": 1.5, "merger": 2,
				},
			},
		},
	}
}

// NewNewsClassifierV2 adds a world-news section and a denser keyword set,
// priced at 0.0025 per character.
func NewNewsClassifierV2() Capability {
	return &lexiconCapability{
		predictionType: NewsClassification,
		version:        2,
		source: lexiconModel{
			DefaultLabel: "general",
			PricePerChar: 0.0025,
			Labels: map[string]map[string]float64{
				"sports": {
					"match": 1, "game": 1, "team": 1, "player": 1,
					"season": 1, "league": 1.5, "championship": 2, "goal": 1,
					"tournament": 1.5, "coach": 1, "olympics": 2,
				},
				"politics": {
					"election": 2, "government": 1.5, "parliament": 1.5,
					"minister": 1, "policy": 1, "vote": 1.5, "senate": 1.5,
					"campaign": 1, "legislation": 1.5, "president": 1,
				},
				"technology": {
					"software": 1.5, "startup": 1.5, "computer": 1,
					"internet": 1, "device": 1, "app": 1, "chip": 1.5,
					"robot": 1.5, "cloud": 1, "algorithm": 1.5,
				},
				"business": {
					"market": 1, "stock": 1.5, "revenue": 1.5, "company": 1,
					"investor": 1.5, "earnings": 1.5, "merger": 2,
					"inflation": 1.5, "bank": 1, "trade": 1,
				},
				"world": {
					"border": 1, "treaty": 1.5, "embassy": 1.5, "summit": 1.5,
					"united": 0.5, "nations": 1, "conflict": 1.5, "refugee": 1.5,
				},
			},
		},
	}
}

// Builtin returns every capability the platform ships.
func Builtin() []Capability {
	return []Capability{
		NewSentimentV1(),
		NewSentimentV2(),
		NewNewsClassifierV1(),
		NewNewsClassifierV2(),
	}
}
