package patient

import (
	"math"
	"sort"
)

// DefaultAgeBins is the bin count of the age histogram.
const DefaultAgeBins = 10

// Statistics holds the datasets behind the four statistics views. It is
// data only; rendering belongs to the caller.
type Statistics struct {
	Total        int            `json:"total"`
	Genders      GenderCount    `json:"genders"`
	AgeHistogram []HistogramBin `json:"age_histogram"`
	BMIByGender  BMIByGender    `json:"bmi_by_gender"`
	BMIVsAge     []AgeBMIPoint  `json:"bmi_vs_age"`
	// UndefinedBMI counts records left out of the BMI datasets.
	UndefinedBMI int `json:"undefined_bmi"`
}

type GenderCount struct {
	Male   int `json:"male"`
	Female int `json:"female"`
	Other  int `json:"other"`
}

// HistogramBin covers [Low, High); the last bin of a histogram also
// includes High.
type HistogramBin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

type BMIByGender struct {
	Male   *BoxSummary `json:"male,omitempty"`
	Female *BoxSummary `json:"female,omitempty"`
}

// BoxSummary is a box-and-whisker description of a sample. Whiskers reach
// the most extreme data within 1.5 IQR of the quartiles.
type BoxSummary struct {
	Count       int       `json:"count"`
	Min         float64   `json:"min"`
	Q1          float64   `json:"q1"`
	Median      float64   `json:"median"`
	Q3          float64   `json:"q3"`
	Max         float64   `json:"max"`
	WhiskerLow  float64   `json:"whisker_low"`
	WhiskerHigh float64   `json:"whisker_high"`
	Outliers    []float64 `json:"outliers"`
}

type AgeBMIPoint struct {
	Age int     `json:"age"`
	BMI float64 `json:"bmi"`
}

func ComputeStatistics(records []Record) Statistics {
	st := Statistics{
		Total:    len(records),
		BMIVsAge: []AgeBMIPoint{},
	}

	ages := make([]int, 0, len(records))
	var male, female []float64
	for _, r := range records {
		switch r.Gender {
		case GenderMale:
			st.Genders.Male++
		case GenderFemale:
			st.Genders.Female++
		default:
			st.Genders.Other++
		}
		ages = append(ages, r.Age)

		bmi, err := r.BMI()
		if err != nil {
			st.UndefinedBMI++
			continue
		}
		st.BMIVsAge = append(st.BMIVsAge, AgeBMIPoint{Age: r.Age, BMI: bmi})
		switch r.Gender {
		case GenderMale:
			male = append(male, bmi)
		case GenderFemale:
			female = append(female, bmi)
		}
	}

	st.AgeHistogram = AgeHistogram(ages, DefaultAgeBins)
	st.BMIByGender.Male = Summarize(male)
	st.BMIByGender.Female = Summarize(female)
	return st
}

// AgeHistogram splits [min, max] into equal-width bins. A sample with a
// single distinct value is centered in [v-0.5, v+0.5].
func AgeHistogram(ages []int, bins int) []HistogramBin {
	if len(ages) == 0 || bins <= 0 {
		return []HistogramBin{}
	}
	lo, hi := float64(ages[0]), float64(ages[0])
	for _, a := range ages[1:] {
		lo = math.Min(lo, float64(a))
		hi = math.Max(hi, float64(a))
	}
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}

	width := (hi - lo) / float64(bins)
	out := make([]HistogramBin, bins)
	for i := range out {
		out[i].Low = lo + float64(i)*width
		out[i].High = lo + float64(i+1)*width
	}
	out[bins-1].High = hi

	for _, a := range ages {
		idx := int((float64(a) - lo) / (hi - lo) * float64(bins))
		if idx >= bins {
			idx = bins - 1
		}
		out[idx].Count++
	}
	return out
}

// Summarize returns nil for an empty sample.
func Summarize(sample []float64) *BoxSummary {
	if len(sample) == 0 {
		return nil
	}
	s := append([]float64(nil), sample...)
	sort.Float64s(s)

	b := &BoxSummary{
		Count:    len(s),
		Min:      s[0],
		Max:      s[len(s)-1],
		Q1:       quantile(s, 0.25),
		Median:   quantile(s, 0.5),
		Q3:       quantile(s, 0.75),
		Outliers: []float64{},
	}
	iqr := b.Q3 - b.Q1
	lowFence, highFence := b.Q1-1.5*iqr, b.Q3+1.5*iqr

	b.WhiskerLow, b.WhiskerHigh = b.Q1, b.Q3
	for _, v := range s {
		if v >= lowFence {
			b.WhiskerLow = math.Min(v, b.Q1)
			break
		}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] <= highFence {
			b.WhiskerHigh = math.Max(s[i], b.Q3)
			break
		}
	}
	for _, v := range s {
		if v < lowFence || v > highFence {
			b.Outliers = append(b.Outliers, v)
		}
	}
	return b
}

// quantile interpolates linearly between closest ranks of a sorted sample.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}
