package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/emias/emias/internal/platform/metrics"
)

var (
	// ErrDecode is matched by *LoadError.
	ErrDecode = errors.New("patient file could not be decoded")

	// ErrPositionOutOfRange is returned for a position outside [0, Len()).
	ErrPositionOutOfRange = errors.New("patient position out of range")

	// ErrNotFound is returned for an identifier the store does not hold.
	ErrNotFound = errors.New("patient not found")
)

// LoadFailurePolicy decides what Load does when the file exists but cannot
// be decoded.
type LoadFailurePolicy string

const (
	LoadFailureFail        LoadFailurePolicy = "fail"
	LoadFailureReturnEmpty LoadFailurePolicy = "return_empty"
)

func ParseLoadFailurePolicy(s string) (LoadFailurePolicy, error) {
	switch p := LoadFailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return LoadFailureFail, nil
	case LoadFailureFail, LoadFailureReturnEmpty:
		return p, nil
	default:
		return "", fmt.Errorf("unknown load failure policy %q", s)
	}
}

// DefaultFallbackEncoding is the legacy encoding older registry files were
// written in.
const DefaultFallbackEncoding = "windows-1251"

// LoadError reports a file that failed to decode as UTF-8 and, when
// configured, with the fallback encoding as well.
type LoadError struct {
	Path     string
	Primary  error
	Fallback error
}

func (e *LoadError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("decode %s: %v", e.Path, e.Primary)
	}
	return fmt.Sprintf("decode %s: utf-8: %v; fallback: %v", e.Path, e.Primary, e.Fallback)
}

func (e *LoadError) Unwrap() []error {
	errs := []error{e.Primary}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

func (e *LoadError) Is(target error) bool { return target == ErrDecode }

// StoreOptions configures a Store. The zero value fails on undecodable files
// and performs no encoding fallback.
type StoreOptions struct {
	OnLoadFailure    LoadFailurePolicy
	FallbackEncoding string
	Logger           zerolog.Logger
	Metrics          *metrics.StoreMetrics
}

// Entry is a stored record plus the identifier it was given in this process.
// The identifier is not persisted.
type Entry struct {
	ID uuid.UUID `json:"id"`
	Record
}

// Store keeps an ordered patient collection in memory and rewrites the whole
// backing file after every mutation. The file has a single writer and is
// not locked against external modification.
type Store struct {
	path         string
	policy       LoadFailurePolicy
	fallbackName string
	logger       zerolog.Logger
	m            *metrics.StoreMetrics

	mu      sync.RWMutex
	entries []Entry
}

// NewStore returns an empty store bound to path. Call Load to read the file.
func NewStore(path string, opts StoreOptions) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("patient store: empty path")
	}
	policy := opts.OnLoadFailure
	if policy == "" {
		policy = LoadFailureFail
	}
	if policy != LoadFailureFail && policy != LoadFailureReturnEmpty {
		return nil, fmt.Errorf("patient store: unknown load failure policy %q", policy)
	}
	if opts.FallbackEncoding != "" {
		if _, err := htmlindex.Get(opts.FallbackEncoding); err != nil {
			return nil, fmt.Errorf("patient store: fallback encoding %q: %w", opts.FallbackEncoding, err)
		}
	}
	return &Store{
		path:         path,
		policy:       policy,
		fallbackName: opts.FallbackEncoding,
		logger:       opts.Logger.With().Str("component", "patient_store").Logger(),
		m:            opts.Metrics,
	}, nil
}

// OpenStore is NewStore followed by Load.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	s, err := NewStore(path, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory collection with the file contents. A missing
// file yields an empty collection.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readFile()
	s.m.Observe("load", err)
	if err != nil {
		if s.policy != LoadFailureReturnEmpty {
			return nil, err
		}
		s.logger.Error().Err(err).Str("path", s.path).Msg("patient file unreadable, starting with an empty collection")
		records = nil
	}

	s.entries = make([]Entry, len(records))
	for i, r := range records {
		s.entries[i] = Entry{ID: uuid.New(), Record: r}
	}
	s.m.SetPatients(len(s.entries))
	s.logger.Debug().Str("path", s.path).Int("count", len(records)).Msg("patients loaded")
	return cloneRecords(s.entries), nil
}

func (s *Store) readFile() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	records, primary := decodeUTF8(data)
	if primary == nil {
		return records, nil
	}
	if s.fallbackName == "" {
		return nil, &LoadError{Path: s.path, Primary: primary}
	}

	records, fallback := decodeWith(s.fallbackName, data)
	if fallback != nil {
		return nil, &LoadError{Path: s.path, Primary: primary, Fallback: fallback}
	}
	s.logger.Warn().Str("path", s.path).Str("encoding", s.fallbackName).
		Msg("patient file decoded with fallback encoding")
	return records, nil
}

func decodeUTF8(data []byte) ([]Record, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("invalid utf-8")
	}
	return decodeRecords(data)
}

func decodeWith(name string, data []byte) ([]Record, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, err
	}
	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, err
	}
	return decodeRecords(text)
}

// recordKeys is the fixed key set of a serialized record, in file order.
var recordKeys = []string{"full_name", "age", "gender", "height", "weight"}

func decodeRecords(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("expected a JSON array of patients")
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for i, obj := range raw {
		r, err := decodeRecord(obj)
		if err != nil {
			return nil, fmt.Errorf("patient %d: %w", i, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// decodeRecord maps an object onto Record by exact key name. Missing,
// unknown or null keys are structural errors; nothing is defaulted.
func decodeRecord(obj map[string]json.RawMessage) (Record, error) {
	if obj == nil {
		return Record{}, errors.New("expected an object")
	}
	var unknown []string
	for k := range obj {
		if !isRecordKey(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Record{}, fmt.Errorf("unexpected keys %s", strings.Join(unknown, ", "))
	}

	var (
		r      Record
		gender string
	)
	targets := map[string]any{
		"full_name": &r.FullName,
		"age":       &r.Age,
		"gender":    &gender,
		"height":    &r.Height,
		"weight":    &r.Weight,
	}
	for _, k := range recordKeys {
		v, ok := obj[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return Record{}, fmt.Errorf("missing key %q", k)
		}
		if err := json.Unmarshal(v, targets[k]); err != nil {
			return Record{}, fmt.Errorf("key %q: %w", k, err)
		}
	}
	r.Gender = Gender(gender)
	return r, nil
}

func isRecordKey(k string) bool {
	for _, rk := range recordKeys {
		if k == rk {
			return true
		}
	}
	return false
}

// Save rewrites the backing file with the current collection.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist("save")
}

func (s *Store) persist(op string) error {
	err := writeFileAtomic(s.path, encodeRecords(s.entries))
	s.m.Observe(op, err)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Str("op", op).Msg("persist patients")
		return err
	}
	s.m.SetPatients(len(s.entries))
	return nil
}

func encodeRecords(entries []Entry) []byte {
	records := cloneRecords(entries)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Record holds only strings and finite numbers.
	_ = enc.Encode(records)
	return buf.Bytes()
}

func writeFileAtomic(path string, data []byte) (retErr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Add appends r, persists the collection and returns the new entry with the
// position it was stored at.
func (s *Store) Add(r Record) (Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{ID: uuid.New(), Record: r}
	s.entries = append(s.entries, e)
	if err := s.persist("add"); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return Entry{}, -1, err
	}
	return e, len(s.entries) - 1, nil
}

// Update replaces the record at position and persists the collection. The
// entry keeps its identifier.
func (s *Store) Update(position int, r Record) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(position, r)
}

func (s *Store) updateLocked(position int, r Record) (Entry, error) {
	if err := s.checkPosition(position); err != nil {
		s.m.Observe("update", err)
		return Entry{}, err
	}
	prev := s.entries[position]
	e := Entry{ID: prev.ID, Record: r}
	s.entries[position] = e
	if err := s.persist("update"); err != nil {
		s.entries[position] = prev
		return Entry{}, err
	}
	return e, nil
}

// Delete removes the record at position and persists the collection.
// Confirming intent is the caller's job.
func (s *Store) Delete(position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(position)
}

func (s *Store) deleteLocked(position int) error {
	if err := s.checkPosition(position); err != nil {
		s.m.Observe("delete", err)
		return err
	}
	prev := s.entries
	next := make([]Entry, 0, len(prev)-1)
	next = append(next, prev[:position]...)
	next = append(next, prev[position+1:]...)
	s.entries = next
	if err := s.persist("delete"); err != nil {
		s.entries = prev
		return err
	}
	return nil
}

// UpdateByID is Update addressed by identifier. It also returns the
// entry's position at the time of the write.
func (s *Store) UpdateByID(id uuid.UUID, r Record) (Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.indexOf(id)
	if pos < 0 {
		s.m.Observe("update", ErrNotFound)
		return Entry{}, -1, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e, err := s.updateLocked(pos, r)
	if err != nil {
		return Entry{}, -1, err
	}
	return e, pos, nil
}

func (s *Store) DeleteByID(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.indexOf(id)
	if pos < 0 {
		s.m.Observe("delete", ErrNotFound)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.deleteLocked(pos)
}

// Get returns the entry with id and its current position.
func (s *Store) Get(id uuid.UUID) (Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := s.indexOf(id)
	if pos < 0 {
		return Entry{}, -1, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.entries[pos], pos, nil
}

// At returns the entry at position.
func (s *Store) At(position int) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkPosition(position); err != nil {
		return Entry{}, err
	}
	return s.entries[position], nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Records returns a copy of the collection in order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.entries)
}

// Entries returns a copy of the collection with identifiers, in order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) indexOf(id uuid.UUID) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) checkPosition(position int) error {
	if position < 0 || position >= len(s.entries) {
		return fmt.Errorf("%w: %d (have %d)", ErrPositionOutOfRange, position, len(s.entries))
	}
	return nil
}

func cloneRecords(entries []Entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out
}
