// Package title builds the display titles of automatically managed tasks.
package title

import (
	"strings"

	"github.com/mklimuk/atelier-pilot/pkg/taxonomy"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const placeholder = "{subject}"

var templates = map[string]string{
	taxonomy.LabelToQualify:    "Qualifier : {subject}",
	taxonomy.LabelToRecontact:  "Recontacter : {subject}",
	taxonomy.LabelLongTerm:     "Projet long terme : {subject}",
	taxonomy.LabelNotQualified: "Non qualifié : {subject}",
	taxonomy.LabelDone:         "Terminé : {subject}",
	taxonomy.LabelStudyToDo:    "Suivi : " + taxonomy.LabelStudyToDo + " - {subject}",
	taxonomy.LabelStudyToAmend: "Suivi : " + taxonomy.LabelStudyToAmend + " - {subject}",
	taxonomy.LabelStudyToChase: "Suivi : " + taxonomy.LabelStudyToChase + " - {subject}",
	taxonomy.LabelStudyClosed:  "Suivi : " + taxonomy.LabelStudyClosed + " - {subject}",
}

// Title renders the title for label about subject. The subject is
// normalized with NormalizeName. Labels without a template fall back to
// "label : subject".
func Title(label, subject string) string {
	label = taxonomy.Canonical(label)
	subject = NormalizeName(subject)
	if subject == "" {
		return label
	}
	tmpl, ok := templates[label]
	if !ok {
		tmpl = label + " : " + placeholder
	}
	return strings.ReplaceAll(tmpl, placeholder, subject)
}

// NormalizeName formats a person name as "Firstname LASTNAME": the first
// word is title-cased (each hyphenated part), the remaining words are
// upper-cased and whitespace is collapsed.
func NormalizeName(name string) string {
	words := strings.Fields(name)
	if len(words) == 0 {
		return ""
	}

	titler := cases.Title(language.French)
	parts := strings.Split(words[0], "-")
	for i, p := range parts {
		parts[i] = titler.String(p)
	}
	words[0] = strings.Join(parts, "-")

	upper := cases.Upper(language.French)
	for i := 1; i < len(words); i++ {
		words[i] = upper.String(words[i])
	}
	return strings.Join(words, " ")
}
