package market

// ValidationCategory tags a group of validation messages.
type ValidationCategory string

const (
	CategoryCompleteness ValidationCategory = "completeness"
	CategoryPlausibility ValidationCategory = "plausibility"
	CategoryConsistency  ValidationCategory = "consistency"
	CategorySchema       ValidationCategory = "schema"
	CategoryGeneric      ValidationCategory = "generic"
)

// ValidationResult accumulates validation errors and warnings grouped by
// category. The zero value is not usable; construct with NewValidationResult.
type ValidationResult struct {
	IsValid  bool
	Errors   map[ValidationCategory][]string
	Warnings map[ValidationCategory][]string
}

// NewValidationResult returns a passing result with no messages.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		IsValid:  true,
		Errors:   make(map[ValidationCategory][]string),
		Warnings: make(map[ValidationCategory][]string),
	}
}

// AddError records a blocking error and marks the result invalid.
func (r *ValidationResult) AddError(cat ValidationCategory, msg string) {
	r.Errors[cat] = append(r.Errors[cat], msg)
	r.IsValid = false
}

// AddWarning records a non-blocking message. Warnings never flip IsValid.
func (r *ValidationResult) AddWarning(cat ValidationCategory, msg string) {
	r.Warnings[cat] = append(r.Warnings[cat], msg)
}

// Merge folds other into r. The merged result is valid only when both are.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for cat, msgs := range other.Errors {
		r.Errors[cat] = append(r.Errors[cat], msgs...)
	}
	for cat, msgs := range other.Warnings {
		r.Warnings[cat] = append(r.Warnings[cat], msgs...)
	}
	if !other.IsValid {
		r.IsValid = false
	}
}

// ErrorCount returns the total number of error messages across categories.
func (r *ValidationResult) ErrorCount() int {
	n := 0
	for _, msgs := range r.Errors {
		n += len(msgs)
	}
	return n
}
