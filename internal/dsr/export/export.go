// Package export builds the self-describing data bundles that implement the
// right to portability. A bundle is materialized whole; expected data
// volumes per subject do not justify streaming.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
)

// Format selects the bundle encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

// IsValid checks if the format is one of the supported encodings.
func (f Format) IsValid() bool {
	return f == FormatJSON || f == FormatCSV || f == FormatXML
}

// ContentType returns the MIME type the HTTP layer should serve.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

// Ext returns the filename extension for attachment downloads.
func (f Format) Ext() string {
	return string(f)
}

// Student carries the subject's identity fields.
type Student struct {
	ID         string    `json:"id" xml:"id"`
	Name       string    `json:"name" xml:"name"`
	Contact    string    `json:"contact" xml:"contact"`
	Age        int       `json:"age" xml:"age"`
	EnrolledAt time.Time `json:"enrolled_at" xml:"enrolled_at"`
}

// ProgressRecord is one learning-progress row.
type ProgressRecord struct {
	Course      string    `json:"course" xml:"course"`
	Lesson      string    `json:"lesson" xml:"lesson"`
	Score       float64   `json:"score" xml:"score"`
	CompletedAt time.Time `json:"completed_at" xml:"completed_at"`
}

// AuditEvent is the export projection of a ledger entry. The checksum and
// chain internals stay inside the ledger.
type AuditEvent struct {
	Action    string    `json:"action" xml:"action"`
	Severity  string    `json:"severity" xml:"severity"`
	Timestamp time.Time `json:"timestamp" xml:"timestamp"`
}

// Bundle is the complete portability export for one subject. Progress and
// AuditLogs are always present, as empty arrays when excluded; a consumer
// must be able to tell "no data" from "not requested" by the request they
// made, not by a missing field.
type Bundle struct {
	XMLName    xml.Name         `json:"-" xml:"export"`
	Student    Student          `json:"student" xml:"student"`
	Progress   []ProgressRecord `json:"progress" xml:"progress>record"`
	AuditLogs  []AuditEvent     `json:"audit_logs" xml:"audit_logs>entry"`
	ExportedAt time.Time        `json:"exported_at" xml:"exported_at"`
}

// Source supplies subject identity and progress data. The engine does not
// own student records; the surrounding platform does.
type Source interface {
	Student(ctx context.Context, subjectID id.SubjectID) (Student, error)
	Progress(ctx context.Context, subjectID id.SubjectID) ([]ProgressRecord, error)
}

// Encode renders the bundle in the requested format.
func Encode(bundle *Bundle, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(bundle, "", "  ")
	case FormatXML:
		out, err := xml.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return nil, err
		}
		return append([]byte(xml.Header), out...), nil
	case FormatCSV:
		return encodeCSV(bundle)
	default:
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported export format: %s", format))
	}
}

// encodeCSV writes the bundle as typed sections. Each row starts with a
// section tag so a consumer can split the flat file back into its parts.
func encodeCSV(bundle *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"section", "field_1", "field_2", "field_3", "field_4"},
		{"student", bundle.Student.ID, bundle.Student.Name, bundle.Student.Contact, strconv.Itoa(bundle.Student.Age)},
	}
	for _, p := range bundle.Progress {
		rows = append(rows, []string{"progress", p.Course, p.Lesson,
			strconv.FormatFloat(p.Score, 'f', 2, 64), p.CompletedAt.Format(time.RFC3339)})
	}
	for _, e := range bundle.AuditLogs {
		rows = append(rows, []string{"audit", e.Action, e.Severity, e.Timestamp.Format(time.RFC3339), ""})
	}
	rows = append(rows, []string{"exported_at", bundle.ExportedAt.Format(time.RFC3339), "", "", ""})

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
