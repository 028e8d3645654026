// Package validation defines the project validator contract consumed by the
// unthinning pipeline, the immutable Report it produces, and a validator
// set that derives a content based cache key.
package validation

import (
	"fmt"
	"slices"
)

// Status summarizes a report.
type Status uint8

const (
	// StatusPass means the report carries no warnings or errors.
	StatusPass Status = iota
	// StatusWarn means the report carries warnings but no errors.
	StatusWarn
	// StatusError means the project was rejected.
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Report is the result of one validator. Reports are immutable once built.
type Report struct {
	infos    []string
	warnings []string
	errs     []string
	removed  []string
	modified []string
}

// Status derives the report status from its messages.
func (r *Report) Status() Status {
	switch {
	case len(r.errs) > 0:
		return StatusError
	case len(r.warnings) > 0:
		return StatusWarn
	default:
		return StatusPass
	}
}

// Infos returns informational messages.
func (r *Report) Infos() []string { return slices.Clone(r.infos) }

// Warnings returns warning messages.
func (r *Report) Warnings() []string { return slices.Clone(r.warnings) }

// Errors returns error messages.
func (r *Report) Errors() []string { return slices.Clone(r.errs) }

// RemovedFiles returns paths of files the validator deleted.
func (r *Report) RemovedFiles() []string { return slices.Clone(r.removed) }

// ModifiedFiles returns paths of files the validator changed.
func (r *Report) ModifiedFiles() []string { return slices.Clone(r.modified) }

// ReportBuilder accumulates a Report. The zero value is ready to use.
type ReportBuilder struct {
	r Report
}

// NewReportBuilder returns an empty builder.
func NewReportBuilder() *ReportBuilder {
	return &ReportBuilder{}
}

// Info adds an informational message.
func (b *ReportBuilder) Info(format string, args ...any) *ReportBuilder {
	b.r.infos = append(b.r.infos, fmt.Sprintf(format, args...))
	return b
}

// Warn adds a warning message.
func (b *ReportBuilder) Warn(format string, args ...any) *ReportBuilder {
	b.r.warnings = append(b.r.warnings, fmt.Sprintf(format, args...))
	return b
}

// Error adds an error message, rejecting the project.
func (b *ReportBuilder) Error(format string, args ...any) *ReportBuilder {
	b.r.errs = append(b.r.errs, fmt.Sprintf(format, args...))
	return b
}

// Removed records that the validator deleted path.
func (b *ReportBuilder) Removed(path ...string) *ReportBuilder {
	b.r.removed = append(b.r.removed, path...)
	return b
}

// Modified records that the validator changed path.
func (b *ReportBuilder) Modified(path ...string) *ReportBuilder {
	b.r.modified = append(b.r.modified, path...)
	return b
}

// Build returns the report. Later builder calls do not affect it.
func (b *ReportBuilder) Build() *Report {
	return &Report{
		infos:    slices.Clone(b.r.infos),
		warnings: slices.Clone(b.r.warnings),
		errs:     slices.Clone(b.r.errs),
		removed:  slices.Clone(b.r.removed),
		modified: slices.Clone(b.r.modified),
	}
}

// HasError reports whether any report has StatusError.
func HasError(reports map[string]*Report) bool {
	for _, r := range reports {
		if r != nil && r.Status() == StatusError {
			return true
		}
	}
	return false
}
