package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository is the narrow interface the presentation layers use. *Store
// implements it.
type Repository interface {
	Entries() []Entry
	Records() []Record
	Get(id uuid.UUID) (Entry, int, error)
	At(position int) (Entry, error)
	Add(r Record) (Entry, int, error)
	Update(position int, r Record) (Entry, error)
	UpdateByID(id uuid.UUID, r Record) (Entry, int, error)
	Delete(position int) error
	DeleteByID(id uuid.UUID) error
}

var _ Repository = (*Store)(nil)

// FormValue is a raw form field. It accepts a JSON string or a JSON number
// so API clients may send either.
type FormValue string

func (v *FormValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = FormValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*v = FormValue(n.String())
	return nil
}

// PatientInput is what a user submits from the edit form.
type PatientInput struct {
	FullName string    `json:"full_name"`
	Age      FormValue `json:"age"`
	Gender   string    `json:"gender"`
	Height   FormValue `json:"height"`
	Weight   FormValue `json:"weight"`
}

var errRequired = errors.New("must not be empty")

// Record parses the input. Every field is required and gender must be a
// known code.
func (in PatientInput) Record() (Record, error) {
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return Record{}, &FieldError{Field: "full_name", Value: in.FullName, Err: errRequired}
	}
	gender := strings.TrimSpace(in.Gender)
	if gender == "" {
		return Record{}, &FieldError{Field: "gender", Value: in.Gender, Err: errRequired}
	}
	if !Gender(gender).Known() {
		return Record{}, &FieldError{Field: "gender", Value: in.Gender, Err: errors.New("unknown gender code")}
	}
	return ParseRecord(fullName, string(in.Age), gender, string(in.Height), string(in.Weight))
}

// PatientView is the presentation projection of an entry.
type PatientView struct {
	ID       uuid.UUID `json:"id"`
	Position int       `json:"position"`
	FullName string    `json:"full_name"`
	Age      int       `json:"age"`
	Gender   Gender    `json:"gender"`
	Height   float64   `json:"height"`
	Weight   float64   `json:"weight"`
	BMI      *float64  `json:"bmi,omitempty"`
}

func NewView(e Entry, position int) PatientView {
	v := PatientView{
		ID:       e.ID,
		Position: position,
		FullName: e.FullName,
		Age:      e.Age,
		Gender:   e.Gender,
		Height:   e.Height,
		Weight:   e.Weight,
	}
	if bmi, err := e.BMI(); err == nil {
		v.BMI = &bmi
	}
	return v
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "patient_service").Logger()}
}

// ListPatients returns one page of patients in collection order and the
// total count.
func (s *Service) ListPatients(limit, offset int) ([]PatientView, int) {
	entries := s.repo.Entries()
	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	views := make([]PatientView, 0, end-offset)
	for i := offset; i < end; i++ {
		views = append(views, NewView(entries[i], i))
	}
	return views, total
}

func (s *Service) GetPatient(id uuid.UUID) (PatientView, error) {
	e, pos, err := s.repo.Get(id)
	if err != nil {
		return PatientView{}, err
	}
	return NewView(e, pos), nil
}

func (s *Service) GetPatientAt(position int) (PatientView, error) {
	e, err := s.repo.At(position)
	if err != nil {
		return PatientView{}, err
	}
	return NewView(e, position), nil
}

func (s *Service) CreatePatient(in PatientInput) (PatientView, error) {
	r, err := in.Record()
	if err != nil {
		return PatientView{}, err
	}
	e, pos, err := s.repo.Add(r)
	if err != nil {
		return PatientView{}, err
	}
	s.logger.Info().Str("patient_id", e.ID.String()).Int("position", pos).Msg("patient added")
	return NewView(e, pos), nil
}

func (s *Service) UpdatePatient(id uuid.UUID, in PatientInput) (PatientView, error) {
	r, err := in.Record()
	if err != nil {
		return PatientView{}, err
	}
	e, pos, err := s.repo.UpdateByID(id, r)
	if err != nil {
		return PatientView{}, err
	}
	s.logger.Info().Str("patient_id", id.String()).Int("position", pos).Msg("patient updated")
	return NewView(e, pos), nil
}

func (s *Service) UpdatePatientAt(position int, in PatientInput) (PatientView, error) {
	r, err := in.Record()
	if err != nil {
		return PatientView{}, err
	}
	e, err := s.repo.Update(position, r)
	if err != nil {
		return PatientView{}, err
	}
	s.logger.Info().Int("position", position).Msg("patient updated")
	return NewView(e, position), nil
}

func (s *Service) DeletePatient(id uuid.UUID) error {
	if err := s.repo.DeleteByID(id); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", id.String()).Msg("patient deleted")
	return nil
}

func (s *Service) DeletePatientAt(position int) error {
	if err := s.repo.Delete(position); err != nil {
		return err
	}
	s.logger.Info().Int("position", position).Msg("patient deleted")
	return nil
}

func (s *Service) Statistics() Statistics {
	return ComputeStatistics(s.repo.Records())
}
