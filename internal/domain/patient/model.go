package patient

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRecord is matched by every *FieldError.
	ErrInvalidRecord = errors.New("invalid patient record")

	// ErrUndefinedBMI is returned by Record.BMI when height or weight is not
	// strictly positive.
	ErrUndefinedBMI = errors.New("body mass index undefined")
)

// Gender is a short category code. The registry historically stores the
// Cyrillic initials used on the intake form.
type Gender string

const (
	GenderMale   Gender = "М"
	GenderFemale Gender = "Ж"
)

// Known reports whether g is one of the codes offered by the intake form.
func (g Gender) Known() bool {
	return g == GenderMale || g == GenderFemale
}

// Record is one patient. Edits replace a Record wholesale.
type Record struct {
	FullName string  `json:"full_name"`
	Age      int     `json:"age"`
	Gender   Gender  `json:"gender"`
	Height   float64 `json:"height"`
	Weight   float64 `json:"weight"`
}

// FieldError describes a form field whose text could not be parsed.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == ErrInvalidRecord }

func NewRecord(fullName string, age int, gender Gender, height, weight float64) Record {
	return Record{
		FullName: fullName,
		Age:      age,
		Gender:   gender,
		Height:   height,
		Weight:   weight,
	}
}

// ParseRecord builds a Record from raw form input. Only the numeric fields
// are checked, and only for syntax: zero and negative values pass.
func ParseRecord(fullName, age, gender, height, weight string) (Record, error) {
	a, err := strconv.Atoi(strings.TrimSpace(age))
	if err != nil {
		return Record{}, &FieldError{Field: "age", Value: age, Err: err}
	}
	h, err := parseMeasure("height", height)
	if err != nil {
		return Record{}, err
	}
	w, err := parseMeasure("weight", weight)
	if err != nil {
		return Record{}, err
	}
	return NewRecord(fullName, a, Gender(gender), h, w), nil
}

func parseMeasure(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, &FieldError{Field: field, Value: raw, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &FieldError{Field: field, Value: raw, Err: errors.New("not a finite number")}
	}
	return v, nil
}

// BMI returns weight / (height/100)^2 rounded to two decimals.
func (r Record) BMI() (float64, error) {
	if !positiveFinite(r.Height) || !positiveFinite(r.Weight) {
		return 0, fmt.Errorf("%w: height=%v weight=%v", ErrUndefinedBMI, r.Height, r.Weight)
	}
	m := r.Height / 100
	return round2(r.Weight / (m * m)), nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// round2 rounds the exact binary value to two decimals, ties to even.
func round2(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	return r
}
