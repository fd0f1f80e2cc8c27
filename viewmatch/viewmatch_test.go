package viewmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReducePatternAlternation(t *testing.T) {
	assert.Equal(t, "by category", ReducePattern(`(by category|par categorie)`))
}

func TestReducePatternCharClass(t *testing.T) {
	assert.Equal(t, "by catgry", ReducePattern(`by c[aeiou]tgry`))
}

func TestReducePatternWhitespaceMeta(t *testing.T) {
	assert.Equal(t, "by   author", ReducePattern(`by\b\s*\tauthor`))
}

func TestReducePatternEscapedMetaAndQuantifier(t *testing.T) {
	assert.Equal(t, "a.b", ReducePattern(`a\.b{1,3}`))
}

func TestNeedlesUsesOverrideWhenPresent(t *testing.T) {
	needles := Needles("ByCategory", "Par Catégorie!", nil)
	assert.Contains(t, needles, "par catégorie!")
	assert.Contains(t, needles, "par catégorie")
	assert.Contains(t, needles, "bycategory")
}

func TestNeedlesDropsShortTokens(t *testing.T) {
	needles := Needles("Authors", "", []string{"by", "author"})
	assert.NotContains(t, needles, "by")
	assert.Contains(t, needles, "author")
}

func TestSelectMatchesLeafAndNormalizedForms(t *testing.T) {
	selected, diag := Select(
		[]string{"ByAuthor"},
		nil,
		[]string{"by author", "par auteur"},
		[]string{"($Admin)\\ByAuthor", "Documents/Par Auteur (Anglais)"},
	)
	assert.Empty(t, diag)
	assert.NotEmpty(t, selected["ByAuthor"])
}

func TestSelectExcludesAdminPrefixedViews(t *testing.T) {
	selected, _ := Select(
		[]string{"ByCategory"},
		nil,
		[]string{"by category"},
		[]string{"..admin\\ByCategory", "Public\\By Category"},
	)
	assert.Equal(t, "Public\\By Category", selected["ByCategory"])
}

func TestSelectPrefersEnglishOnTie(t *testing.T) {
	selected, _ := Select(
		[]string{"ByCategory"},
		nil,
		[]string{"by category"},
		[]string{"Par Categorie (Francais)", "By Category (English)"},
	)
	assert.Equal(t, "By Category (English)", selected["ByCategory"])
}

func TestSelectReturnsDiagnosticsWhenNothingMatchesAtAll(t *testing.T) {
	selected, diag := Select(
		[]string{"ByCategory"},
		nil,
		[]string{"by category"},
		[]string{"Unrelated View One", "Unrelated View Two"},
	)
	assert.Empty(t, selected["ByCategory"])
	assert.Contains(t, diag, "Unrelated View One")
	assert.Contains(t, diag, "suggested override")
}
