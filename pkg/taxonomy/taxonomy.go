// Package taxonomy maps task kinds to their status label vocabularies and
// derives the operational status implied by a label.
package taxonomy

import (
	"slices"
	"strings"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"golang.org/x/text/unicode/norm"
)

// Labels of the lead vocabulary, shared by manual and auto-lead tasks.
const (
	LabelToQualify    = "À qualifier"
	LabelToRecontact  = "À recontacter"
	LabelLongTerm     = "Projet long terme"
	LabelNotQualified = "Non qualifié"
	LabelDone         = "Terminé"
)

// Labels of the project vocabulary, used by auto-project tasks.
const (
	LabelStudyToDo    = "Etude à réaliser"
	LabelStudyToAmend = "Etude à modifier"
	LabelStudyToChase = "Etude à relancer"
	LabelStudyClosed  = "Etude cloturée"
)

var (
	leadLabels    = []string{LabelToQualify, LabelToRecontact, LabelLongTerm, LabelNotQualified, LabelDone}
	projectLabels = []string{LabelStudyToDo, LabelStudyToAmend, LabelStudyToChase, LabelStudyClosed}
)

// Labels returns the vocabulary for kind. Memos have none.
func Labels(kind model.TaskKind) []string {
	switch kind {
	case model.KindManual, model.KindAutoLead:
		return slices.Clone(leadLabels)
	case model.KindAutoProject:
		return slices.Clone(projectLabels)
	}
	return nil
}

// InitialLabel is the label a new task of kind starts with.
func InitialLabel(kind model.TaskKind) string {
	switch kind {
	case model.KindManual, model.KindAutoLead:
		return LabelToQualify
	case model.KindAutoProject:
		return LabelStudyToDo
	}
	return ""
}

// TerminalLabel is the single label of kind that completes a task.
func TerminalLabel(kind model.TaskKind) string {
	switch kind {
	case model.KindManual, model.KindAutoLead:
		return LabelDone
	case model.KindAutoProject:
		return LabelStudyClosed
	}
	return ""
}

// Canonical trims label and folds it to NFC so decomposed accents compare equal.
func Canonical(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// Allowed reports whether label belongs to the vocabulary of kind.
func Allowed(kind model.TaskKind, label string) bool {
	return slices.Contains(Labels(kind), Canonical(label))
}

// IsTerminal reports whether label completes a task of kind.
func IsTerminal(kind model.TaskKind, label string) bool {
	terminal := TerminalLabel(kind)
	return terminal != "" && Canonical(label) == terminal
}

// Resolve derives the operational status for a task of kind moving from
// previous to label. The terminal label always completes; leaving it reopens
// the task as pending; the initial label is pending and every other label
// is in progress.
func Resolve(kind model.TaskKind, previous model.OperationalStatus, label string) (model.OperationalStatus, error) {
	if !kind.Valid() {
		return "", model.Invalid("kind", "unknown task kind %q", kind)
	}
	label = Canonical(label)
	if kind == model.KindMemo {
		if label != "" {
			return "", model.Invalid("statusLabel", "memos carry no status label")
		}
		return model.StatusPending, nil
	}
	if !Allowed(kind, label) {
		return "", model.Invalid("statusLabel", "%q is not a %s label", label, kind)
	}

	switch {
	case IsTerminal(kind, label):
		return model.StatusCompleted, nil
	case previous == model.StatusCompleted:
		return model.StatusPending, nil
	case label == InitialLabel(kind):
		return model.StatusPending, nil
	default:
		return model.StatusInProgress, nil
	}
}
