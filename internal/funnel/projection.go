package funnel

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/sells-group/leadfunnel/internal/model"
)

// defaultAverage is used when the capital answer is missing or unknown.
const defaultAverage = 200_000

// Range is a yearly return band as percentages and the euro amounts they
// give on the average ticket.
type Range struct {
	MinPct    float64 `json:"min_pct"`
	MaxPct    float64 `json:"max_pct"`
	MinAmount int64   `json:"min_amount"`
	MaxAmount int64   `json:"max_amount"`
}

// Projection is the illustrative return estimate shown on the results step.
type Projection struct {
	Average   int64 `json:"average"`
	Realistic Range `json:"realistic"`
	Optimized Range `json:"optimized"`
}

// Project computes the return bands for an average ticket and a horizon
// answer. Long horizons shift the bands up, short ones down.
func Project(average int64, horizon string) Projection {
	if average <= 0 {
		average = defaultAverage
	}
	rMin, rMax, oMin, oMax := 6.5, 11.0, 13.0, 19.0
	switch horizon {
	case "long":
		rMin += 1.5
		rMax += 2
		oMin += 2
		oMax += 3
	case "short":
		rMin -= 1
		rMax -= 0.5
		oMin -= 1.5
		oMax -= 1.5
	}
	return Projection{
		Average:   average,
		Realistic: band(average, rMin, rMax),
		Optimized: band(average, oMin, oMax),
	}
}

func band(average int64, minPct, maxPct float64) Range {
	return Range{
		MinPct:    minPct,
		MaxPct:    maxPct,
		MinAmount: int64(math.Round(float64(average) * minPct / 100)),
		MaxAmount: int64(math.Round(float64(average) * maxPct / 100)),
	}
}

// ProjectAnswers projects from the session answers using the flow's
// capital averages.
func (f *Flow) ProjectAnswers(answers map[string]string) Projection {
	var average int64
	var horizon string
	for _, q := range f.Questions {
		v := answers[q.ID]
		switch q.Field {
		case model.FieldCapitalBracket:
			for _, o := range q.Options {
				if o.Value == v {
					average = o.Average
				}
			}
		case model.FieldTimeHorizon:
			horizon = v
		}
	}
	return Project(average, horizon)
}

// ContactURL builds the WhatsApp deep link for number with a prefilled
// message. It is empty when no number is configured.
func ContactURL(number, message string) string {
	if number == "" {
		return ""
	}
	text := strings.ReplaceAll(url.QueryEscape(message), "+", "%20")
	return fmt.Sprintf("https://wa.me/%s?text=%s", url.PathEscape(number), text)
}
